package service

import (
	"context"
	"errors"
	"sync/atomic"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrHubNotStarted     = errors.New("hub not started")
	ErrHubAlreadyStarted = errors.New("hub already started")
	ErrHubStopped        = errors.New("hub stopped")
	ErrUnknownView       = errors.New("unknown view")
)

const (
	defaultQueueSize     = 100
	defaultPublishBuffer = 64
)

// SnapshotFunc returns the latest routed samples visible to a view.
type SnapshotFunc func(view string) []model.RoutedSample

// HubConfig holds configuration parameters for the Hub.
type HubConfig struct {
	QueueSize     int                 // per-subscriber queue length
	PublishBuffer int                 // batches buffered between Publish and the actor
	Views         map[string]struct{} // accepted views; nil accepts any
	Snapshot      SnapshotFunc        // seeds new subscribers; optional
}

// SubscribeOptions selects what a subscriber receives.
type SubscribeOptions struct {
	// View is the selected feed whose consolidated stream is wanted. Empty
	// means every sample from every feed.
	View string
}

// Subscriber is one viewer of the consolidated stream.
//
// The queue is written only by the hub goroutine and closed by it exactly
// once, either on Unsubscribe or when the hub stops.
type Subscriber struct {
	id     string
	view   string
	ch     chan model.RoutedSample
	closed bool
}

func (s *Subscriber) ID() string   { return s.id }
func (s *Subscriber) View() string { return s.view }

// Messages returns the subscriber's queue. It is closed when the
// subscription ends.
func (s *Subscriber) Messages() <-chan model.RoutedSample { return s.ch }

type subscribeRequest struct {
	sub   *Subscriber
	reply chan struct{}
}

// Hub fans routed samples out to many subscribers.
//
// A single goroutine owns the subscriber map. Publish never blocks the
// caller and delivery never blocks the hub: a full subscriber queue loses its
// oldest message.
type Hub struct {
	cfg         HubConfig
	subscribers map[string]*Subscriber // owned by the run goroutine

	subscribeCh   chan subscribeRequest
	unsubscribeCh chan *Subscriber
	publishCh     chan model.RoutedBatch

	started atomic.Bool
	count   atomic.Int64
	done    chan struct{}
}

// NewHub creates a hub. It does nothing until Start is called.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PublishBuffer <= 0 {
		cfg.PublishBuffer = defaultPublishBuffer
	}
	return &Hub{
		cfg:           cfg,
		subscribers:   make(map[string]*Subscriber),
		subscribeCh:   make(chan subscribeRequest),
		unsubscribeCh: make(chan *Subscriber, 16),
		publishCh:     make(chan model.RoutedBatch, cfg.PublishBuffer),
		done:          make(chan struct{}),
	}
}

// Start launches the hub goroutine. It runs until ctx is cancelled, then
// closes every subscriber queue.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrHubAlreadyStarted
	}

	go func() {
		defer close(h.done)
		defer func() {
			for _, sub := range h.subscribers {
				h.remove(sub)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Int64("subscribers", h.count.Load()).Msg("hub stopped")
				return
			case req := <-h.subscribeCh:
				h.add(req.sub)
				close(req.reply)
			case sub := <-h.unsubscribeCh:
				h.remove(sub)
			case batch := <-h.publishCh:
				h.dispatch(batch)
			}
		}
	}()
	return nil
}

// Subscribe registers a subscriber. Its queue already holds the current
// snapshot for its view when Subscribe returns, ahead of any live sample.
func (h *Hub) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscriber, error) {
	if !h.started.Load() {
		return nil, ErrHubNotStarted
	}
	if opts.View != "" && h.cfg.Views != nil {
		if _, ok := h.cfg.Views[opts.View]; !ok {
			return nil, ErrUnknownView
		}
	}

	sub := &Subscriber{
		id:   uuid.NewString(),
		view: opts.View,
		ch:   make(chan model.RoutedSample, h.cfg.QueueSize),
	}
	req := subscribeRequest{sub: sub, reply: make(chan struct{})}

	select {
	case h.subscribeCh <- req:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-req.reply:
		return sub, nil
	case <-h.done:
		return nil, ErrHubStopped
	}
}

// Unsubscribe ends a subscription. It is safe to call more than once and
// after the hub has stopped.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil || !h.started.Load() {
		return
	}
	select {
	case h.unsubscribeCh <- sub:
	case <-h.done:
	}
}

// Publish hands a routed batch to the hub. When the hub is backed up the
// batch is dropped and Publish reports false.
func (h *Hub) Publish(batch model.RoutedBatch) bool {
	select {
	case h.publishCh <- batch:
		return true
	default:
		metrics.HubDropped(metrics.DropPublish)
		log.Warn().Time("window_end", batch.WindowEnd).Int("samples", len(batch.Samples)).Msg("hub backed up, dropping batch")
		return false
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

func (h *Hub) add(sub *Subscriber) {
	h.subscribers[sub.id] = sub
	h.count.Add(1)
	metrics.SubscriberAdded()

	if h.cfg.Snapshot == nil {
		return
	}
	for _, s := range h.cfg.Snapshot(sub.view) {
		if s.InView(sub.view) {
			h.deliver(sub, s)
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	if _, ok := h.subscribers[sub.id]; !ok || sub.closed {
		return
	}
	delete(h.subscribers, sub.id)
	sub.closed = true
	close(sub.ch)
	h.count.Add(-1)
	metrics.SubscriberRemoved()
}

func (h *Hub) dispatch(batch model.RoutedBatch) {
	for _, sub := range h.subscribers {
		for _, s := range batch.Samples {
			if s.InView(sub.view) {
				h.deliver(sub, s)
			}
		}
	}
}

// deliver enqueues without blocking. When the queue is full the oldest
// message is discarded to make room. The subscriber may drain concurrently,
// so both steps are non-blocking.
func (h *Hub) deliver(sub *Subscriber, s model.RoutedSample) {
	for {
		select {
		case sub.ch <- s:
			return
		default:
		}
		select {
		case <-sub.ch:
			metrics.HubDropped(metrics.DropSubscriber)
			log.Debug().Str("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest queued sample")
		default:
		}
	}
}
