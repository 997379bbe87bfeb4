// Package storage persists averaged samples in PostgreSQL and serves the
// history, latest and reference queries built on them.
//
// The Gateway keeps two connection pools. Writes go through the writer pool
// and are serialized by a process-wide mutex; reads use the reader pool and
// never take the mutex, so queries are not held up by inserts or retention.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPoolSize           = 3
	defaultWriterConns        = 2
	defaultWriteRetries       = 3
	defaultRetryBackoff       = 100 * time.Millisecond
	defaultRetentionBatchSize = 5000
	defaultRetentionPause     = 100 * time.Millisecond

	defaultPageSize = 50
	maxPageSize     = 500
)

var (
	ErrInvalidConfig = errors.New("invalid storage configuration")
	ErrInvalidQuery  = errors.New("invalid history query")
)

// contentionCodes are PostgreSQL error codes worth retrying: serialization
// failure, deadlock, lock not available and statement cancelled by timeout.
var contentionCodes = map[pq.ErrorCode]struct{}{
	"40001": {},
	"40P01": {},
	"55P03": {},
	"57014": {},
}

// Config defines settings for the Gateway.
type Config struct {
	DSN                string
	PoolSize           int // reader connections kept open
	MaxOverflow        int // extra reader connections allowed under load
	WriterConns        int
	WriteRetries       int // retries after the first attempt on contention
	RetryBackoff       time.Duration
	RetentionBatchSize int
	RetentionPause     time.Duration
}

// Gateway is the persistence layer for price records.
type Gateway struct {
	cfg    Config
	reader *sqlx.DB
	writer *sqlx.DB

	// writeMu serializes every write transaction in the process.
	writeMu sync.Mutex

	logger zerolog.Logger
}

// Open connects both pools to the database at cfg.DSN.
func Open(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}
	cfg = withDefaults(cfg)

	reader, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open reader pool: %w", err)
	}
	reader.SetMaxIdleConns(cfg.PoolSize)
	reader.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	reader.SetConnMaxIdleTime(5 * time.Minute)

	writer, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("open writer pool: %w", err)
	}
	writer.SetMaxIdleConns(cfg.WriterConns)
	writer.SetMaxOpenConns(cfg.WriterConns)

	g := New(reader, writer, cfg)
	if err := g.Ping(ctx); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// New builds a Gateway over existing pools.
func New(reader, writer *sqlx.DB, cfg Config) *Gateway {
	return &Gateway{
		cfg:    withDefaults(cfg),
		reader: reader,
		writer: writer,
		logger: log.With().Str("component", "storage").Logger(),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	if cfg.WriterConns <= 0 {
		cfg.WriterConns = defaultWriterConns
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = defaultWriteRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.RetentionBatchSize <= 0 {
		cfg.RetentionBatchSize = defaultRetentionBatchSize
	}
	if cfg.RetentionPause < 0 {
		cfg.RetentionPause = defaultRetentionPause
	}
	return cfg
}

// Ping checks both pools.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("ping reader pool: %w", err)
	}
	if err := g.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("ping writer pool: %w", err)
	}
	return nil
}

// Close closes both pools.
func (g *Gateway) Close() error {
	return errors.Join(g.reader.Close(), g.writer.Close())
}

const insertRecord = `
	INSERT INTO price_records (record_id, feed_id, instrument, price, bid, ask, recorded_at)
	VALUES (:record_id, :feed_id, :instrument, :price, :bid, :ask, :recorded_at)`

// Write persists one sample.
func (g *Gateway) Write(ctx context.Context, s model.Sample) error {
	return g.WriteBatch(ctx, []model.Sample{s})
}

// WriteBatch persists samples in one transaction. Contention errors are
// retried with exponential backoff up to WriteRetries times.
func (g *Gateway) WriteBatch(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	records := make([]model.PriceRecord, len(samples))
	for i, s := range samples {
		records[i] = model.PriceRecord{
			RecordID:   uuid.New(),
			FeedID:     s.FeedID,
			Instrument: s.Instrument,
			Price:      s.Price,
			Bid:        s.Bid,
			Ask:        s.Ask,
			RecordedAt: s.WindowEnd,
		}
	}

	start := time.Now()
	err := g.withRetry(ctx, func() error { return g.insert(ctx, records) })
	metrics.RecordWrite(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("write %d samples: %w", len(samples), err)
	}
	return nil
}

func (g *Gateway) insert(ctx context.Context, records []model.PriceRecord) (err error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	tx, err := g.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, context.Canceled) {
				g.logger.Debug().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	if _, err = tx.NamedExecContext(ctx, insertRecord, records); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (g *Gateway) withRetry(ctx context.Context, fn func() error) error {
	delay := g.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsContention(err) || attempt >= g.cfg.WriteRetries {
			return err
		}

		g.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("storage contention, retrying write")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
}

// IsContention reports whether err is a transient PostgreSQL contention error.
func IsContention(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	_, ok := contentionCodes[pqErr.Code]
	return ok
}

const recordColumns = `id, record_id, feed_id, instrument, price, bid, ask, recorded_at, created_at`

// LatestAll returns the newest record of every (feed, instrument).
func (g *Gateway) LatestAll(ctx context.Context) ([]model.PriceRecord, error) {
	var out []model.PriceRecord
	err := g.reader.SelectContext(ctx, &out, `
		SELECT `+recordColumns+`
		FROM price_records
		WHERE id IN (
			SELECT MAX(id) FROM price_records GROUP BY feed_id, instrument
		)
		ORDER BY feed_id, instrument`)
	if err != nil {
		return nil, fmt.Errorf("latest records: %w", err)
	}
	return out, nil
}

const referenceWindowQuery = `
	WITH scoped AS (
		SELECT ` + recordColumns + `
		FROM price_records
		WHERE instrument = ANY($1) AND recorded_at >= $2 AND recorded_at <= $3
	), firsts AS (
		SELECT DISTINCT ON (feed_id, instrument) *
		FROM scoped
		ORDER BY feed_id, instrument, recorded_at ASC, id ASC
	), lasts AS (
		SELECT DISTINCT ON (feed_id, instrument) *
		FROM scoped
		ORDER BY feed_id, instrument, recorded_at DESC, id DESC
	)
	SELECT
		f.feed_id, f.instrument,
		f.id AS "first.id", f.record_id AS "first.record_id", f.feed_id AS "first.feed_id",
		f.instrument AS "first.instrument", f.price AS "first.price", f.bid AS "first.bid",
		f.ask AS "first.ask", f.recorded_at AS "first.recorded_at", f.created_at AS "first.created_at",
		l.id AS "last.id", l.record_id AS "last.record_id", l.feed_id AS "last.feed_id",
		l.instrument AS "last.instrument", l.price AS "last.price", l.bid AS "last.bid",
		l.ask AS "last.ask", l.recorded_at AS "last.recorded_at", l.created_at AS "last.created_at"
	FROM firsts f
	JOIN lasts l ON l.feed_id = f.feed_id AND l.instrument = f.instrument
	ORDER BY f.instrument, f.feed_id`

// ReferenceWindow returns, for every (feed, instrument) with records in
// [start, end], the first and the last of them.
func (g *Gateway) ReferenceWindow(ctx context.Context, instruments []string, start, end time.Time) ([]model.WindowBounds, error) {
	if len(instruments) == 0 {
		return nil, nil
	}
	var out []model.WindowBounds
	if err := g.reader.SelectContext(ctx, &out, referenceWindowQuery, pq.Array(instruments), start, end); err != nil {
		return nil, fmt.Errorf("reference window: %w", err)
	}
	return out, nil
}

// HistoryQuery filters and paginates History. Zero values mean no filter.
type HistoryQuery struct {
	Instrument string
	FeedID     string
	From       time.Time
	To         time.Time
	Page       int // zero-based
	PageSize   int
}

// HistoryPage is one page of records, newest first.
type HistoryPage struct {
	Items    []model.PriceRecord `json:"items"`
	Total    int64               `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// History returns a page of records matching q. Total counts every matching
// record, not just the page.
func (g *Gateway) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.Page < 0 {
		return HistoryPage{}, fmt.Errorf("%w: page must not be negative", ErrInvalidQuery)
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		return HistoryPage{}, fmt.Errorf("%w: page size %d exceeds %d", ErrInvalidQuery, q.PageSize, maxPageSize)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return HistoryPage{}, fmt.Errorf("%w: to is before from", ErrInvalidQuery)
	}

	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Instrument != "" {
		add("instrument = $%d", q.Instrument)
	}
	if q.FeedID != "" {
		add("feed_id = $%d", q.FeedID)
	}
	if !q.From.IsZero() {
		add("recorded_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("recorded_at <= $%d", q.To)
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	page := HistoryPage{Page: q.Page, PageSize: q.PageSize, Items: []model.PriceRecord{}}
	if err := g.reader.GetContext(ctx, &page.Total, `SELECT COUNT(*) FROM price_records`+filter, args...); err != nil {
		return HistoryPage{}, fmt.Errorf("count history: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	limitArgs := append(args, q.PageSize, q.Page*q.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM price_records%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, filter, len(args)+1, len(args)+2)
	if err := g.reader.SelectContext(ctx, &page.Items, query, limitArgs...); err != nil {
		return HistoryPage{}, fmt.Errorf("select history: %w", err)
	}
	return page, nil
}

// DeleteOlderThan removes records recorded before horizon in batches,
// holding the write mutex for one batch at a time and pausing between
// batches. When anything was removed the table is vacuumed afterwards.
func (g *Gateway) DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	var total int64
	for {
		n, err := g.deleteBatch(ctx, horizon)
		if err != nil {
			return total, fmt.Errorf("delete records older than %s: %w", horizon.Format(time.RFC3339), err)
		}
		total += n
		metrics.RetentionDeleted(n)
		if n < int64(g.cfg.RetentionBatchSize) {
			break
		}

		select {
		case <-time.After(g.cfg.RetentionPause):
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}

	if total == 0 {
		return 0, nil
	}
	if _, err := g.writer.ExecContext(ctx, `VACUUM ANALYZE price_records`); err != nil {
		return total, fmt.Errorf("vacuum price_records: %w", err)
	}
	return total, nil
}

func (g *Gateway) deleteBatch(ctx context.Context, horizon time.Time) (int64, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	res, err := g.writer.ExecContext(ctx, `
		DELETE FROM price_records
		WHERE id IN (
			SELECT id FROM price_records WHERE recorded_at < $1 ORDER BY id LIMIT $2
		)`, horizon, g.cfg.RetentionBatchSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
