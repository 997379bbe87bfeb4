// Package model defines core data types for the price ingestion service.
//
// This package contains the fundamental data structures shared by the feed
// connections, the aggregation window, the coordinator and the persistence
// layer. All prices use decimal.Decimal to avoid the floating-point drift that
// accumulates when averaging many quotes.
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNoQuote indicates a quote that carries neither a bid nor an ask.
var ErrNoQuote = errors.New("quote has neither bid nor ask")

// Tick represents one normalized quote received from an upstream feed.
//
// Ticks are transient: they are accumulated by the aggregation window and
// never persisted. Bid and Ask are nullable because several providers only
// publish one side of the book for some instruments.
type Tick struct {
	FeedID     string              // Upstream feed identifier (e.g., "eodhd")
	Instrument string              // Internal instrument name (e.g., "gold")
	Bid        decimal.NullDecimal // Best bid, if the provider sent one
	Ask        decimal.NullDecimal // Best ask, if the provider sent one
	ObservedAt time.Time           // Provider timestamp, or receive time when absent
}

// NewTick builds a Tick and rejects quotes without any side.
func NewTick(feedID, instrument string, bid, ask decimal.NullDecimal, observedAt time.Time) (Tick, error) {
	if !bid.Valid && !ask.Valid {
		return Tick{}, ErrNoQuote
	}
	return Tick{
		FeedID:     feedID,
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		ObservedAt: observedAt,
	}, nil
}

// Price returns the tick's reference price: the ask when present, otherwise
// the bid. The midpoint is never used.
func (t Tick) Price() (decimal.Decimal, bool) {
	if t.Ask.Valid {
		return t.Ask.Decimal, true
	}
	if t.Bid.Valid {
		return t.Bid.Decimal, true
	}
	return decimal.Zero, false
}

// Sample represents the averaged output of one aggregation window for one
// (feed, instrument) pair.
type Sample struct {
	FeedID     string              // Source feed
	Instrument string              // Instrument name
	Price      decimal.Decimal     // Mean of per-tick derived prices
	Bid        decimal.NullDecimal // Mean of present bids, null when none were present
	Ask        decimal.NullDecimal // Mean of present asks, null when none were present
	WindowEnd  time.Time           // Wall-clock boundary that closed the window
	TickCount  int                 // Number of ticks folded into the sample
}

// Key returns the (feed, instrument) key of the sample.
func (s Sample) Key() Key {
	return Key{FeedID: s.FeedID, Instrument: s.Instrument}
}

// Key identifies a (feed, instrument) pair.
type Key struct {
	FeedID     string
	Instrument string
}

// Batch groups every Sample that closed on the same flush boundary.
type Batch struct {
	WindowEnd time.Time
	Samples   []Sample
}

// RoutedSample is a Sample annotated with the consolidated views it belongs to.
type RoutedSample struct {
	Sample
	Views []string // Selected feeds whose consolidated stream includes this sample
}

// InView reports whether the sample should be surfaced to the given view.
// The empty view receives every sample.
func (r RoutedSample) InView(view string) bool {
	if view == "" {
		return true
	}
	for _, v := range r.Views {
		if v == view {
			return true
		}
	}
	return false
}

// RoutedBatch is a Batch after fallback routing, as handed to viewers.
type RoutedBatch struct {
	WindowEnd time.Time
	Samples   []RoutedSample
}

// PriceRecord is the persisted, immutable form of a Sample.
type PriceRecord struct {
	ID         int64               `db:"id" json:"id"`                   // Insertion order
	RecordID   uuid.UUID           `db:"record_id" json:"record_id"`     // Generated identifier
	FeedID     string              `db:"feed_id" json:"feed_id"`         // Source feed
	Instrument string              `db:"instrument" json:"instrument"`   // Instrument name
	Price      decimal.Decimal     `db:"price" json:"price"`             // Averaged price
	Bid        decimal.NullDecimal `db:"bid" json:"bid"`                 // Averaged bid
	Ask        decimal.NullDecimal `db:"ask" json:"ask"`                 // Averaged ask
	RecordedAt time.Time           `db:"recorded_at" json:"recorded_at"` // Window end of the source sample
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`   // Insert time
}

// WindowBounds holds, for one (feed, instrument), the first and the last
// record inside a time range.
type WindowBounds struct {
	FeedID     string      `db:"feed_id"`
	Instrument string      `db:"instrument"`
	First      PriceRecord `db:"first"`
	Last       PriceRecord `db:"last"`
}

// FeedState enumerates the lifecycle states of a feed connection.
type FeedState int32

const (
	// StateDisconnected is the initial state before Start.
	StateDisconnected FeedState = iota
	// StateConnecting covers the dial and subscribe handshake.
	StateConnecting
	// StateConnected means frames are flowing.
	StateConnected
	// StateStalled means the watchdog fired and the socket is being torn down.
	StateStalled
	// StateReconnecting means the connection waits out its backoff.
	StateReconnecting
	// StateStopped is terminal.
	StateStopped
)

// String returns the lowercase state name used in logs and the status API.
func (s FeedState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStalled:
		return "stalled"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s FeedState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FeedHealth is a point-in-time snapshot of one feed connection.
type FeedHealth struct {
	FeedID            string    `json:"feed_id"`
	State             FeedState `json:"state"`
	Connected         bool      `json:"connected"`
	MessageCount      int64     `json:"message_count"`
	ErrorCount        int64     `json:"error_count"`
	ParseErrorCount   int64     `json:"parse_error_count"`
	ReconnectAttempts int64     `json:"reconnect_attempts"`
	LastMessageAt     time.Time `json:"last_message_at"`
}
