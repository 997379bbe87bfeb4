// Package cache provides the short-lived result cache used by the reference
// price service, backed either by process memory or by Redis.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores opaque values with a time to live.
type Cache interface {
	// Get returns the value for key and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DefaultMemorySize bounds the in-process cache when no size is given.
const DefaultMemorySize = 1024

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache on top of a size-bounded expirable LRU.
//
// The LRU expires every entry after maxTTL. A shorter ttl passed to Set is
// enforced on Get, which also drops the stale entry.
type Memory struct {
	lru *expirable.LRU[string, entry]
	now func() time.Time
}

// NewMemory creates an empty in-process cache holding at most size entries,
// none of them for longer than maxTTL.
func NewMemory(size int, maxTTL time.Duration) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{
		lru: expirable.NewLRU[string, entry](size, nil, maxTTL),
		now: time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.lru.Add(key, entry{value: buf, expiresAt: m.now().Add(ttl)})
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}
