// Package window folds ticks from every feed into one averaged Sample per
// (feed, instrument) per wall-clock window.
//
// Thread Safety:
//   - Accumulator state is owned by the goroutine started in Run
//   - Add and Flush may be called directly only when Run is not in use
//   - Windows close on a single shared timer aligned to the interval, so all
//     feeds flush together
package window

import (
	"context"
	"sort"
	"sync"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TickSource is anything that delivers ticks on a channel, typically a feed
// connection. The channel is closed when the source stops.
type TickSource interface {
	Ticks() <-chan model.Tick
}

// accumulator sums the ticks of one (feed, instrument) within one window.
type accumulator struct {
	priceSum decimal.Decimal
	bidSum   decimal.Decimal
	askSum   decimal.Decimal
	count    int
	bidCount int
	askCount int
}

// Aggregator averages ticks into per-window samples.
type Aggregator struct {
	interval time.Duration
	acc      map[model.Key]*accumulator
}

// NewAggregator creates an aggregator that closes a window every interval.
func NewAggregator(interval time.Duration) *Aggregator {
	return &Aggregator{
		interval: interval,
		acc:      make(map[model.Key]*accumulator),
	}
}

// NextBoundary returns the first interval boundary strictly after now.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// Add folds one tick into the current window. Ticks without any quote side
// are rejected and Add reports false.
func (a *Aggregator) Add(t model.Tick) bool {
	price, ok := t.Price()
	if !ok {
		return false
	}

	key := model.Key{FeedID: t.FeedID, Instrument: t.Instrument}
	cur, found := a.acc[key]
	if !found {
		cur = &accumulator{}
		a.acc[key] = cur
	}

	cur.priceSum = cur.priceSum.Add(price)
	cur.count++
	if t.Bid.Valid {
		cur.bidSum = cur.bidSum.Add(t.Bid.Decimal)
		cur.bidCount++
	}
	if t.Ask.Valid {
		cur.askSum = cur.askSum.Add(t.Ask.Decimal)
		cur.askCount++
	}
	return true
}

// Flush closes the current window at windowEnd and returns one Sample per
// (feed, instrument) that received ticks, ordered by feed then instrument.
// The window is empty afterwards.
func (a *Aggregator) Flush(windowEnd time.Time) model.Batch {
	batch := model.Batch{WindowEnd: windowEnd}
	if len(a.acc) == 0 {
		return batch
	}

	batch.Samples = make([]model.Sample, 0, len(a.acc))
	for key, cur := range a.acc {
		s := model.Sample{
			FeedID:     key.FeedID,
			Instrument: key.Instrument,
			Price:      mean(cur.priceSum, cur.count),
			WindowEnd:  windowEnd,
			TickCount:  cur.count,
		}
		if cur.bidCount > 0 {
			s.Bid = decimal.NewNullDecimal(mean(cur.bidSum, cur.bidCount))
		}
		if cur.askCount > 0 {
			s.Ask = decimal.NewNullDecimal(mean(cur.askSum, cur.askCount))
		}
		batch.Samples = append(batch.Samples, s)
	}
	sort.Slice(batch.Samples, func(i, j int) bool {
		if batch.Samples[i].FeedID != batch.Samples[j].FeedID {
			return batch.Samples[i].FeedID < batch.Samples[j].FeedID
		}
		return batch.Samples[i].Instrument < batch.Samples[j].Instrument
	})

	// Drop accumulators rather than zeroing them so silent pairs cost nothing.
	a.acc = make(map[model.Key]*accumulator, len(a.acc))
	return batch
}

// Run consumes ticks from all sources and emits one Batch per non-empty
// window on the returned channel. The channel is closed when ctx is
// cancelled or every source has closed; the window open at that moment is
// discarded.
func (a *Aggregator) Run(ctx context.Context, sources ...TickSource) <-chan model.Batch {
	chans := make([]<-chan model.Tick, len(sources))
	for i, s := range sources {
		chans[i] = s.Ticks()
	}
	return a.run(ctx, FanIn(ctx, chans...))
}

func (a *Aggregator) run(ctx context.Context, input <-chan model.Tick) <-chan model.Batch {
	output := make(chan model.Batch, 16)
	logger := log.With().Str("component", "window").Dur("interval", a.interval).Logger()

	go func() {
		defer close(output)

		boundary := NextBoundary(time.Now(), a.interval)
		timer := time.NewTimer(time.Until(boundary))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info().Int("pending", len(a.acc)).Msg("aggregator stopped, discarding open window")
				return
			case <-timer.C:
				batch := a.Flush(boundary)
				if len(batch.Samples) > 0 {
					for _, s := range batch.Samples {
						metrics.Sample(s.FeedID, s.Instrument)
					}
					select {
					case output <- batch:
					case <-ctx.Done():
						return
					}
				}
				boundary = NextBoundary(time.Now(), a.interval)
				timer.Reset(time.Until(boundary))
			case tick, ok := <-input:
				if !ok {
					logger.Info().Msg("all tick sources closed")
					return
				}
				if !a.Add(tick) {
					logger.Debug().Str("feed", tick.FeedID).Str("instrument", tick.Instrument).Msg("tick without quote rejected")
				}
			}
		}
	}()

	return output
}

// FanIn merges tick channels into one. The result is closed when every
// input has closed or ctx is cancelled.
func FanIn(ctx context.Context, inputs ...<-chan model.Tick) <-chan model.Tick {
	dest := make(chan model.Tick, 1000)
	var wg sync.WaitGroup
	wg.Add(len(inputs))

	for _, ch := range inputs {
		go func(c <-chan model.Tick) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-c:
					if !ok {
						return
					}
					select {
					case dest <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(dest)
	}()

	return dest
}

func mean(sum decimal.Decimal, n int) decimal.Decimal {
	return sum.Div(decimal.NewFromInt(int64(n)))
}
