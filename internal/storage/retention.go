package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// retentionRunTimeout bounds one scheduled retention run.
const retentionRunTimeout = time.Hour

// Deleter removes records older than a horizon.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error)
}

// RetentionScheduler runs the retention job on a cron schedule. A run that
// is still going when the next one is due causes that one to be skipped.
type RetentionScheduler struct {
	store  Deleter
	days   int
	cron   *cron.Cron
	now    func() time.Time
	logger zerolog.Logger
}

// NewRetentionScheduler schedules deletion of records older than days using
// a standard five-field cron spec.
func NewRetentionScheduler(store Deleter, days int, spec string) (*RetentionScheduler, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: retention days must be positive", ErrInvalidConfig)
	}

	logger := log.With().Str("component", "retention").Logger()
	cl := cronLogger{logger: logger}
	s := &RetentionScheduler{
		store:  store,
		days:   days,
		now:    time.Now,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("%w: retention schedule %q: %v", ErrInvalidConfig, spec, err)
	}
	return s, nil
}

// Start begins running on schedule.
func (s *RetentionScheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info().Time("next", e.Next).Int("days", s.days).Msg("retention scheduled")
	}
}

// Stop prevents further runs and waits for a running one until ctx expires.
func (s *RetentionScheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce deletes every record older than the retention horizon.
func (s *RetentionScheduler) RunOnce(ctx context.Context) (int64, error) {
	horizon := s.now().AddDate(0, 0, -s.days)
	start := time.Now()

	n, err := s.store.DeleteOlderThan(ctx, horizon)
	if err != nil {
		return n, err
	}
	s.logger.Info().Int64("deleted", n).Time("horizon", horizon).Dur("took", time.Since(start)).Msg("retention run finished")
	return n, nil
}

func (s *RetentionScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), retentionRunTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("retention run failed")
	}
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
