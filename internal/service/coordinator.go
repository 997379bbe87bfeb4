// Package service provides the core components of the price ingestion
// service: the ingestion coordinator, the broadcast hub, the reference price
// service and the gRPC health reporter.
//
// The Coordinator is the orchestrator. It starts the feed connections, runs
// the aggregation window over their ticks, keeps the latest price table and
// the fallback routing, and hands every batch to persistence and to the hub.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/window"

	"github.com/rs/zerolog/log"
)

const (
	defaultFlushInterval    = 3 * time.Second
	defaultPersistQueueSize = 256
	persistWriteTimeout     = 30 * time.Second
)

var (
	ErrCoordinatorStarted    = errors.New("coordinator has already started")
	ErrCoordinatorNotStarted = errors.New("coordinator not started")
)

// FeedConnection is the part of a feed connection the coordinator drives.
type FeedConnection interface {
	window.TickSource
	FeedID() string
	Start(ctx context.Context)
	Stop()
	Health() model.FeedHealth
}

// BatchWriter persists samples.
type BatchWriter interface {
	WriteBatch(ctx context.Context, samples []model.Sample) error
}

// BatchPublisher delivers routed batches to viewers without blocking.
type BatchPublisher interface {
	Publish(batch model.RoutedBatch) bool
}

// CoordinatorConfig holds configuration parameters for the Coordinator.
type CoordinatorConfig struct {
	FlushInterval    time.Duration
	PersistQueueSize int

	// Native maps each feed to the instruments it is configured to deliver.
	// Every key is also a view.
	Native map[string][]string
}

// Coordinator owns the latest price table and the fallback routing.
//
// Per batch it updates the table, enqueues the batch for persistence and
// publishes the routed batch. Persistence and publishing are independent:
// a full persist queue never delays viewers and a backed-up hub never delays
// storage.
type Coordinator struct {
	cfg       CoordinatorConfig
	feeds     []FeedConnection
	writer    BatchWriter
	publisher BatchPublisher

	native map[string]map[string]struct{} // feed -> instrument set
	views  []string

	mu     sync.RWMutex
	latest map[model.Key]model.Sample
	locks  map[string]map[string]string // view -> instrument -> locked feed

	persistCh  chan model.Batch
	started    atomic.Bool
	cancel     context.CancelFunc
	loopDone   chan struct{}
	writerDone chan struct{}
}

// NewCoordinator creates a stopped coordinator.
func NewCoordinator(cfg CoordinatorConfig, feeds []FeedConnection, writer BatchWriter, publisher BatchPublisher) *Coordinator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = defaultPersistQueueSize
	}

	native := make(map[string]map[string]struct{}, len(cfg.Native))
	views := make([]string, 0, len(cfg.Native))
	for feedID, instruments := range cfg.Native {
		set := make(map[string]struct{}, len(instruments))
		for _, inst := range instruments {
			set[inst] = struct{}{}
		}
		native[feedID] = set
		views = append(views, feedID)
	}
	sort.Strings(views)

	return &Coordinator{
		cfg:       cfg,
		feeds:     feeds,
		writer:    writer,
		publisher: publisher,
		native:    native,
		views:     views,
		latest:    make(map[model.Key]model.Sample),
		locks:     make(map[string]map[string]string),
	}
}

// Start connects every feed and begins aggregating. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrCoordinatorStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.persistCh = make(chan model.Batch, c.cfg.PersistQueueSize)
	c.loopDone = make(chan struct{})
	c.writerDone = make(chan struct{})

	sources := make([]window.TickSource, len(c.feeds))
	for i, f := range c.feeds {
		f.Start(ctx)
		sources[i] = f
	}
	batches := window.NewAggregator(c.cfg.FlushInterval).Run(ctx, sources...)

	go c.writeLoop()
	go func() {
		defer close(c.loopDone)
		defer close(c.persistCh)
		for batch := range batches {
			c.handle(batch)
		}
	}()

	log.Info().Int("feeds", len(c.feeds)).Strs("views", c.views).Dur("flush_interval", c.cfg.FlushInterval).Msg("coordinator started")
	return nil
}

// Stop stops the feeds, discards the open window and waits for queued
// batches to be written until ctx expires.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.started.CompareAndSwap(true, false) {
		return ErrCoordinatorNotStarted
	}

	var wg sync.WaitGroup
	for _, f := range c.feeds {
		wg.Add(1)
		go func(f FeedConnection) {
			defer wg.Done()
			f.Stop()
		}(f)
	}
	wg.Wait()
	c.cancel()

	select {
	case <-c.loopDone:
	case <-ctx.Done():
		return fmt.Errorf("waiting for coordinator loop: %w", ctx.Err())
	}

	select {
	case <-c.writerDone:
		log.Info().Msg("coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining persist queue (%d pending): %w", len(c.persistCh), ctx.Err())
	}
}

// handle processes one closed window.
func (c *Coordinator) handle(batch model.Batch) {
	routed := c.route(batch)

	select {
	case c.persistCh <- batch:
	default:
		metrics.PersistDropped()
		log.Warn().Time("window_end", batch.WindowEnd).Int("samples", len(batch.Samples)).Msg("persist queue full, dropping batch")
	}

	if c.publisher != nil {
		c.publisher.Publish(routed)
	}
}

// route records the batch in the latest table and assigns each sample to the
// views it belongs to, locking fallback sources on first sight.
func (c *Coordinator) route(batch model.Batch) model.RoutedBatch {
	c.mu.Lock()
	defer c.mu.Unlock()

	routed := model.RoutedBatch{WindowEnd: batch.WindowEnd, Samples: make([]model.RoutedSample, 0, len(batch.Samples))}
	for _, s := range batch.Samples {
		c.latest[s.Key()] = s

		var views []string
		for _, view := range c.views {
			if _, ok := c.native[view][s.Instrument]; ok {
				if s.FeedID == view {
					views = append(views, view)
				}
				continue
			}

			locked, ok := c.locks[view][s.Instrument]
			if !ok {
				if c.locks[view] == nil {
					c.locks[view] = make(map[string]string)
				}
				c.locks[view][s.Instrument] = s.FeedID
				locked = s.FeedID
				metrics.FallbackLocked(view, s.Instrument, s.FeedID)
				log.Info().Str("view", view).Str("instrument", s.Instrument).Str("feed", s.FeedID).Msg("fallback source locked")
			}
			if locked == s.FeedID {
				views = append(views, view)
			}
		}
		routed.Samples = append(routed.Samples, model.RoutedSample{Sample: s, Views: views})
	}
	return routed
}

// viewsFor computes the views of a sample from the current locks without
// creating new ones. Callers hold c.mu.
func (c *Coordinator) viewsFor(s model.Sample) []string {
	var views []string
	for _, view := range c.views {
		if _, ok := c.native[view][s.Instrument]; ok {
			if s.FeedID == view {
				views = append(views, view)
			}
			continue
		}
		if c.locks[view][s.Instrument] == s.FeedID {
			views = append(views, view)
		}
	}
	return views
}

func (c *Coordinator) writeLoop() {
	defer close(c.writerDone)
	for batch := range c.persistCh {
		if c.writer == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
		if err := c.writer.WriteBatch(ctx, batch.Samples); err != nil {
			log.Error().Err(err).Time("window_end", batch.WindowEnd).Int("samples", len(batch.Samples)).Msg("failed to persist batch")
		}
		cancel()
	}
}

// Latest returns a copy of the latest price table, ordered by feed then
// instrument.
func (c *Coordinator) Latest() []model.Sample {
	c.mu.RLock()
	out := make([]model.Sample, 0, len(c.latest))
	for _, s := range c.latest {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sortSamples(out)
	return out
}

// LatestFor returns the latest sample of one (feed, instrument).
func (c *Coordinator) LatestFor(feedID, instrument string) (model.Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[model.Key{FeedID: feedID, Instrument: instrument}]
	return s, ok
}

// Snapshot returns the latest samples visible to a view, annotated with
// their current routing. The empty view sees everything.
func (c *Coordinator) Snapshot(view string) []model.RoutedSample {
	c.mu.RLock()
	out := make([]model.RoutedSample, 0, len(c.latest))
	for _, s := range c.latest {
		rs := model.RoutedSample{Sample: s, Views: c.viewsFor(s)}
		if rs.InView(view) {
			out = append(out, rs)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key(), out[j].Key()) })
	return out
}

// ResetFallback releases every fallback lock of a view and reports how many
// were held.
func (c *Coordinator) ResetFallback(view string) (int, error) {
	if _, ok := c.native[view]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownView, view)
	}

	c.mu.Lock()
	n := len(c.locks[view])
	delete(c.locks, view)
	c.mu.Unlock()

	log.Info().Str("view", view).Int("released", n).Msg("fallback locks reset")
	return n, nil
}

// FallbackLocks returns a copy of the locks held by a view.
func (c *Coordinator) FallbackLocks(view string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.locks[view]))
	for inst, feedID := range c.locks[view] {
		out[inst] = feedID
	}
	return out
}

// HandleStateChange releases the fallback locks held on a feed once it
// starts reconnecting or stops for good. It is meant to be installed as the
// connection state hook.
func (c *Coordinator) HandleStateChange(feedID string, from, to model.FeedState) {
	if to != model.StateReconnecting && to != model.StateStopped {
		return
	}

	c.mu.Lock()
	released := 0
	for view, byInstrument := range c.locks {
		for inst, locked := range byInstrument {
			if locked == feedID {
				delete(byInstrument, inst)
				released++
			}
		}
		if len(byInstrument) == 0 {
			delete(c.locks, view)
		}
	}
	c.mu.Unlock()

	if released > 0 {
		log.Info().Str("feed", feedID).Str("from", from.String()).Str("to", to.String()).Int("released", released).Msg("fallback locks released")
	}
}

// FeedHealth returns a health snapshot of every feed, ordered by feed id.
func (c *Coordinator) FeedHealth() []model.FeedHealth {
	out := make([]model.FeedHealth, len(c.feeds))
	for i, f := range c.feeds {
		out[i] = f.Health()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

// Views returns the configured views in order.
func (c *Coordinator) Views() []string {
	return append([]string(nil), c.views...)
}

func sortSamples(samples []model.Sample) {
	sort.Slice(samples, func(i, j int) bool { return lessKey(samples[i].Key(), samples[j].Key()) })
}

func lessKey(a, b model.Key) bool {
	if a.FeedID != b.FeedID {
		return a.FeedID < b.FeedID
	}
	return a.Instrument < b.Instrument
}
