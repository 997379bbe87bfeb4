package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pricefeed/internal/cache"
	"pricefeed/internal/model"
	"pricefeed/internal/utils"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SessionOpenAnchor is the name of the anchor that starts the trading day.
const SessionOpenAnchor = "session_open"

var ErrInvalidReference = errors.New("invalid reference request")

// AnchorKind selects how an anchor picks its price.
type AnchorKind string

const (
	// AnchorOpen takes the first price at or after the boundary.
	AnchorOpen AnchorKind = "open"
	// AnchorClose takes the last price at or before the boundary.
	AnchorClose AnchorKind = "close"
)

// Price sources reported with each anchor price.
const (
	SourceHistory = "history"
	SourceLatest  = "latest"
)

// Anchor is a named daily reference time in a market's own zone.
type Anchor struct {
	Name     string
	Location *time.Location
	Hour     int
	Minute   int
	Kind     AnchorKind
}

// NewAnchor builds an anchor from its configured form.
func NewAnchor(name, location string, hour, minute int, kind string) (Anchor, error) {
	loc, err := time.LoadLocation(location)
	if err != nil {
		return Anchor{}, fmt.Errorf("anchor %s: %w", name, err)
	}
	k := AnchorKind(kind)
	if k != AnchorOpen && k != AnchorClose {
		return Anchor{}, fmt.Errorf("anchor %s: unknown kind %q", name, kind)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Anchor{}, fmt.Errorf("anchor %s: invalid time %02d:%02d", name, hour, minute)
	}
	return Anchor{Name: name, Location: loc, Hour: hour, Minute: minute, Kind: k}, nil
}

// Boundary returns the occurrence of the anchor that applies at now.
//
// An open anchor uses today's occurrence, or yesterday's when now is earlier
// than today's. A close anchor uses the most recent weekday occurrence at or
// before now.
func (a Anchor) Boundary(now time.Time) time.Time {
	local := now.In(a.Location)
	y, m, d := local.Date()
	b := time.Date(y, m, d, a.Hour, a.Minute, 0, 0, a.Location)
	if local.Before(b) {
		b = time.Date(y, m, d-1, a.Hour, a.Minute, 0, 0, a.Location)
	}
	if a.Kind == AnchorClose {
		for b.Weekday() == time.Saturday || b.Weekday() == time.Sunday {
			y, m, d = b.Date()
			b = time.Date(y, m, d-1, a.Hour, a.Minute, 0, 0, a.Location)
		}
	}
	return b
}

// AnchorPrice is the reference price of one instrument on one feed for one
// anchor.
type AnchorPrice struct {
	Kind       AnchorKind      `json:"kind"`
	Boundary   time.Time       `json:"boundary"`
	Price      decimal.Decimal `json:"price"`
	RecordedAt time.Time       `json:"recorded_at"`
	Source     string          `json:"source"`
}

// AnchorPrices maps anchor name to its price.
type AnchorPrices map[string]AnchorPrice

// ReferencePrices maps instrument, then feed, to the prices of every anchor.
type ReferencePrices map[string]map[string]AnchorPrices

func (p ReferencePrices) set(instrument, feedID, anchor string, price AnchorPrice) {
	byFeed, ok := p[instrument]
	if !ok {
		byFeed = make(map[string]AnchorPrices)
		p[instrument] = byFeed
	}
	prices, ok := byFeed[feedID]
	if !ok {
		prices = make(AnchorPrices)
		byFeed[feedID] = prices
	}
	prices[anchor] = price
}

func (p ReferencePrices) has(instrument, feedID, anchor string) bool {
	_, ok := p[instrument][feedID][anchor]
	return ok
}

// ReferenceStore reads the first and last records per (feed, instrument)
// within a time range.
type ReferenceStore interface {
	ReferenceWindow(ctx context.Context, instruments []string, start, end time.Time) ([]model.WindowBounds, error)
}

// LatestSource exposes the in-memory latest price table.
type LatestSource interface {
	Latest() []model.Sample
}

// ReferenceConfig holds configuration parameters for the ReferenceService.
type ReferenceConfig struct {
	Anchors        []Anchor
	CloseLookback  time.Duration
	CacheTTL       time.Duration
	Instruments    map[string]struct{} // accepted instruments; nil accepts any valid name
	Feeds          map[string]struct{} // accepted feed filters; nil accepts any
	MaxInstruments int
}

// ReferenceService answers reference price queries against the store.
type ReferenceService struct {
	cfg     ReferenceConfig
	store   ReferenceStore
	latest  LatestSource
	cache   cache.Cache
	session Anchor
	now     func() time.Time
	logger  zerolog.Logger
}

// NewReferenceService creates a reference service. latest and c may be nil.
func NewReferenceService(cfg ReferenceConfig, store ReferenceStore, latest LatestSource, c cache.Cache) (*ReferenceService, error) {
	if len(cfg.Anchors) == 0 {
		return nil, errors.New("at least one anchor is required")
	}
	if store == nil {
		return nil, errors.New("reference store is required")
	}

	session := cfg.Anchors[0]
	for _, a := range cfg.Anchors {
		if a.Name == SessionOpenAnchor {
			session = a
			break
		}
	}

	return &ReferenceService{
		cfg:     cfg,
		store:   store,
		latest:  latest,
		cache:   c,
		session: session,
		now:     time.Now,
		logger:  log.With().Str("component", "reference").Logger(),
	}, nil
}

// SessionBoundary returns the start of the trading session containing now.
func (r *ReferenceService) SessionBoundary(now time.Time) time.Time {
	return r.session.Boundary(now)
}

// Reference returns the anchor prices of the given instruments, optionally
// restricted to one feed.
func (r *ReferenceService) Reference(ctx context.Context, instruments []string, feedID string) (ReferencePrices, error) {
	if err := utils.ValidateInstruments(instruments, r.cfg.Instruments, r.cfg.MaxInstruments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if feedID != "" && r.cfg.Feeds != nil {
		if _, ok := r.cfg.Feeds[feedID]; !ok {
			return nil, fmt.Errorf("%w: unknown feed %q", ErrInvalidReference, feedID)
		}
	}

	insts := dedupe(instruments)
	key := strings.Join(insts, ",") + "|" + feedID

	if cached, ok := r.fromCache(ctx, key); ok {
		return cached, nil
	}

	result, err := r.compute(ctx, insts, feedID)
	if err != nil {
		return nil, err
	}

	r.toCache(ctx, key, result)
	return result, nil
}

func (r *ReferenceService) compute(ctx context.Context, instruments []string, feedID string) (ReferencePrices, error) {
	wanted := make(map[string]struct{}, len(instruments))
	result := make(ReferencePrices, len(instruments))
	for _, inst := range instruments {
		wanted[inst] = struct{}{}
		result[inst] = make(map[string]AnchorPrices)
	}

	now := r.now()
	for _, a := range r.cfg.Anchors {
		boundary := a.Boundary(now)
		start, end := boundary, now
		if a.Kind == AnchorClose {
			start, end = boundary.Add(-r.cfg.CloseLookback), boundary
		}

		rows, err := r.store.ReferenceWindow(ctx, instruments, start, end)
		if err != nil {
			return nil, fmt.Errorf("reference window for %s: %w", a.Name, err)
		}

		for _, row := range rows {
			if feedID != "" && row.FeedID != feedID {
				continue
			}
			rec := row.First
			if a.Kind == AnchorClose {
				rec = row.Last
			}
			result.set(row.Instrument, row.FeedID, a.Name, AnchorPrice{
				Kind:       a.Kind,
				Boundary:   boundary,
				Price:      rec.Price,
				RecordedAt: rec.RecordedAt,
				Source:     SourceHistory,
			})
		}

		if a.Kind != AnchorOpen || r.latest == nil {
			continue
		}
		for _, s := range r.latest.Latest() {
			if _, ok := wanted[s.Instrument]; !ok {
				continue
			}
			if feedID != "" && s.FeedID != feedID {
				continue
			}
			if result.has(s.Instrument, s.FeedID, a.Name) {
				continue
			}
			result.set(s.Instrument, s.FeedID, a.Name, AnchorPrice{
				Kind:       a.Kind,
				Boundary:   boundary,
				Price:      s.Price,
				RecordedAt: s.WindowEnd,
				Source:     SourceLatest,
			})
		}
	}

	return result, nil
}

func (r *ReferenceService) fromCache(ctx context.Context, key string) (ReferencePrices, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("reference cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var prices ReferencePrices
	if err := json.Unmarshal(raw, &prices); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return prices, true
}

func (r *ReferenceService) toCache(ctx context.Context, key string, prices ReferencePrices) {
	if r.cache == nil || r.cfg.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(prices)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to encode reference prices")
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.cfg.CacheTTL); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("reference cache write failed")
	}
}

func dedupe(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i > 0 && s == out[n-1] {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}
