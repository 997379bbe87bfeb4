package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"pricefeed/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockGateway returns a gateway whose reader and writer pools are
// separate sqlmock databases.
func newMockGateway(t *testing.T, cfg Config) (*Gateway, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	readerDB, readerMock, err := sqlmock.New()
	require.NoError(t, err)
	writerDB, writerMock, err := sqlmock.New()
	require.NoError(t, err)

	g := New(sqlx.NewDb(readerDB, "postgres"), sqlx.NewDb(writerDB, "postgres"), cfg)
	t.Cleanup(func() { g.Close() })
	return g, readerMock, writerMock
}

func testSample(feedID, instrument, price string) model.Sample {
	return model.Sample{
		FeedID:     feedID,
		Instrument: instrument,
		Price:      decimal.RequireFromString(price),
		Ask:        decimal.NewNullDecimal(decimal.RequireFromString(price)),
		WindowEnd:  time.Date(2024, 1, 23, 1, 0, 0, 0, time.UTC),
		TickCount:  2,
	}
}

var recordCols = []string{"id", "record_id", "feed_id", "instrument", "price", "bid", "ask", "recorded_at", "created_at"}

func Test_WriteBatch(t *testing.T) {
	g, _, writer := newMockGateway(t, Config{})

	gold := testSample("eodhd", "gold", "2050.3")
	silver := testSample("polygon", "silver", "31.05")
	silver.Bid = decimal.NewNullDecimal(decimal.RequireFromString("31.04"))

	writer.ExpectBegin()
	writer.ExpectExec(regexp.QuoteMeta("INSERT INTO price_records (record_id, feed_id, instrument, price, bid, ask, recorded_at)")).
		WithArgs(
			sqlmock.AnyArg(), "eodhd", "gold", sqlmock.AnyArg(), nil, sqlmock.AnyArg(), gold.WindowEnd,
			sqlmock.AnyArg(), "polygon", "silver", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), silver.WindowEnd,
		).
		WillReturnResult(sqlmock.NewResult(2, 2))
	writer.ExpectCommit()

	require.NoError(t, g.WriteBatch(context.Background(), []model.Sample{gold, silver}))
	assert.NoError(t, writer.ExpectationsWereMet())

	require.NoError(t, g.WriteBatch(context.Background(), nil), "empty batch is a no-op")
}

// Test_WriteBatch_Retry covers contention retries and non-retryable failures
func Test_WriteBatch_Retry(t *testing.T) {
	insert := regexp.QuoteMeta("INSERT INTO price_records")
	contention := &pq.Error{Code: "40P01", Message: "deadlock detected"}

	tests := []struct {
		name        string
		setup       func(m sqlmock.Sqlmock)
		expectError bool
		description string
	}{
		{
			name: "Succeeds after contention",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(insert).WillReturnError(contention)
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(1, 1))
				m.ExpectCommit()
			},
			description: "A deadlock is retried in a new transaction",
		},
		{
			name: "Gives up after retries",
			setup: func(m sqlmock.Sqlmock) {
				for i := 0; i < 3; i++ {
					m.ExpectBegin()
					m.ExpectExec(insert).WillReturnError(&pq.Error{Code: "40001"})
					m.ExpectRollback()
				}
			},
			expectError: true,
			description: "Two retries after the first attempt, then the error is returned",
		},
		{
			name: "No retry on other errors",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(insert).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
				m.ExpectRollback()
			},
			expectError: true,
			description: "Constraint violations are not contention",
		},
		{
			name: "Commit contention",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(1, 1))
				m.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})
				m.ExpectBegin()
				m.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(1, 1))
				m.ExpectCommit()
			},
			description: "Serialization failures at commit are retried too",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, writer := newMockGateway(t, Config{WriteRetries: 2, RetryBackoff: time.Millisecond})
			tt.setup(writer)

			err := g.Write(context.Background(), testSample("eodhd", "gold", "2050"))
			if tt.expectError {
				assert.Error(t, err, tt.description)
			} else {
				assert.NoError(t, err, tt.description)
			}
			assert.NoError(t, writer.ExpectationsWereMet())
		})
	}
}

// Test_WriteBatch_ConcurrentWriters checks N writers x 100 writes are serialized
func Test_WriteBatch_ConcurrentWriters(t *testing.T) {
	const (
		writers   = 4
		perWriter = 100
	)

	g, _, writer := newMockGateway(t, Config{})
	for i := 0; i < writers*perWriter; i++ {
		writer.ExpectBegin()
		writer.ExpectExec(regexp.QuoteMeta("INSERT INTO price_records")).WillReturnResult(sqlmock.NewResult(1, 1))
		writer.ExpectCommit()
	}

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := g.Write(context.Background(), testSample(fmt.Sprintf("feed%d", w), "gold", "2050")); err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, errs, "no transaction interleaved with another")
	assert.NoError(t, writer.ExpectationsWereMet())
}

func Test_Readers_DoNotTakeWriteLock(t *testing.T) {
	g, reader, _ := newMockGateway(t, Config{})
	reader.ExpectQuery("SELECT .* FROM price_records").WillReturnRows(sqlmock.NewRows(recordCols))

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := g.LatestAll(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("read blocked behind the write mutex")
	}
}

func Test_LatestAll(t *testing.T) {
	g, reader, _ := newMockGateway(t, Config{})
	at := time.Date(2024, 1, 23, 1, 0, 0, 0, time.UTC)

	reader.ExpectQuery(regexp.QuoteMeta("SELECT MAX(id) FROM price_records GROUP BY feed_id, instrument")).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(12, "0b5e1d2c-1c1a-4a53-9a3f-6f7a1e0c2b11", "eodhd", "gold", "2050.300000", nil, "2050.300000", at, at).
			AddRow(15, "7c9e6679-7425-40de-944b-e07fc1f90ae7", "polygon", "usd_krw", "1380.150000", "1380.100000", "1380.200000", at, at))

	records, err := g.LatestAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, int64(12), records[0].ID)
	assert.Equal(t, "eodhd", records[0].FeedID)
	assert.Equal(t, "2050.3", records[0].Price.String())
	assert.False(t, records[0].Bid.Valid)
	assert.True(t, records[0].Ask.Valid)
	assert.Equal(t, "7c9e6679-7425-40de-944b-e07fc1f90ae7", records[1].RecordID.String())
	assert.Equal(t, "1380.1", records[1].Bid.Decimal.String())
	assert.NoError(t, reader.ExpectationsWereMet())

	reader.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))
	_, err = g.LatestAll(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func Test_ReferenceWindow(t *testing.T) {
	g, reader, _ := newMockGateway(t, Config{})
	start := time.Date(2024, 1, 22, 22, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	cols := []string{"feed_id", "instrument"}
	for _, prefix := range []string{"first.", "last."} {
		for _, c := range recordCols {
			cols = append(cols, prefix+c)
		}
	}

	row := []driver.Value{"eodhd", "gold",
		1, "0b5e1d2c-1c1a-4a53-9a3f-6f7a1e0c2b11", "eodhd", "gold", "2050.000000", nil, "2050.000000", start, start,
		9, "7c9e6679-7425-40de-944b-e07fc1f90ae7", "eodhd", "gold", "2051.000000", nil, "2051.000000", end, end,
	}
	reader.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT ON (feed_id, instrument)")).
		WithArgs(sqlmock.AnyArg(), start, end).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(row...))

	bounds, err := g.ReferenceWindow(context.Background(), []string{"gold", "silver"}, start, end)
	require.NoError(t, err)
	require.Len(t, bounds, 1)
	assert.Equal(t, "eodhd", bounds[0].FeedID)
	assert.Equal(t, "gold", bounds[0].Instrument)
	assert.Equal(t, "2050", bounds[0].First.Price.String())
	assert.Equal(t, "2051", bounds[0].Last.Price.String())
	assert.Equal(t, int64(9), bounds[0].Last.ID)
	assert.True(t, end.Equal(bounds[0].Last.RecordedAt))
	assert.NoError(t, reader.ExpectationsWereMet())

	bounds, err = g.ReferenceWindow(context.Background(), nil, start, end)
	assert.NoError(t, err)
	assert.Empty(t, bounds, "no instruments means no query")
}

// Test_History covers filters, pagination and query validation
func Test_History(t *testing.T) {
	from := time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	t.Run("Filters and page", func(t *testing.T) {
		g, reader, _ := newMockGateway(t, Config{})

		reader.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM price_records WHERE instrument = $1 AND feed_id = $2 AND recorded_at >= $3 AND recorded_at <= $4")).
			WithArgs("gold", "eodhd", from, to).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(120))
		reader.ExpectQuery(regexp.QuoteMeta("ORDER BY id DESC LIMIT $5 OFFSET $6")).
			WithArgs("gold", "eodhd", from, to, 50, 100).
			WillReturnRows(sqlmock.NewRows(recordCols).
				AddRow(20, "0b5e1d2c-1c1a-4a53-9a3f-6f7a1e0c2b11", "eodhd", "gold", "2050.3", nil, "2050.3", from, from))

		page, err := g.History(context.Background(), HistoryQuery{
			Instrument: "gold", FeedID: "eodhd", From: from, To: to, Page: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(120), page.Total)
		assert.Equal(t, 2, page.Page)
		assert.Equal(t, 50, page.PageSize)
		require.Len(t, page.Items, 1)
		assert.Equal(t, int64(20), page.Items[0].ID)
		assert.NoError(t, reader.ExpectationsWereMet())
	})

	t.Run("No filters", func(t *testing.T) {
		g, reader, _ := newMockGateway(t, Config{})

		reader.ExpectQuery(`^SELECT COUNT\(\*\) FROM price_records$`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		page, err := g.History(context.Background(), HistoryQuery{PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(0), page.Total)
		assert.NotNil(t, page.Items)
		assert.Empty(t, page.Items, "empty result skips the page query")
		assert.NoError(t, reader.ExpectationsWereMet())
	})

	invalid := []struct {
		name  string
		query HistoryQuery
	}{
		{name: "Negative page", query: HistoryQuery{Page: -1}},
		{name: "Page too large", query: HistoryQuery{PageSize: 501}},
		{name: "Inverted range", query: HistoryQuery{From: to, To: from}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newMockGateway(t, Config{})
			_, err := g.History(context.Background(), tt.query)
			assert.True(t, errors.Is(err, ErrInvalidQuery), "got %v", err)
		})
	}
}

// Test_DeleteOlderThan verifies batching and the vacuum that follows
func Test_DeleteOlderThan(t *testing.T) {
	horizon := time.Date(2023, 12, 24, 0, 0, 0, 0, time.UTC)
	deleteSQL := regexp.QuoteMeta("DELETE FROM price_records")

	t.Run("Batches until short", func(t *testing.T) {
		g, _, writer := newMockGateway(t, Config{RetentionBatchSize: 2, RetentionPause: time.Millisecond})
		writer.ExpectExec(deleteSQL).WithArgs(horizon, 2).WillReturnResult(sqlmock.NewResult(0, 2))
		writer.ExpectExec(deleteSQL).WithArgs(horizon, 2).WillReturnResult(sqlmock.NewResult(0, 2))
		writer.ExpectExec(deleteSQL).WithArgs(horizon, 2).WillReturnResult(sqlmock.NewResult(0, 1))
		writer.ExpectExec(regexp.QuoteMeta("VACUUM ANALYZE price_records")).WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := g.DeleteOlderThan(context.Background(), horizon)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
		assert.NoError(t, writer.ExpectationsWereMet())
	})

	t.Run("Nothing to delete", func(t *testing.T) {
		g, _, writer := newMockGateway(t, Config{RetentionBatchSize: 2})
		writer.ExpectExec(deleteSQL).WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := g.DeleteOlderThan(context.Background(), horizon)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		assert.NoError(t, writer.ExpectationsWereMet(), "no vacuum when nothing was removed")
	})

	t.Run("Write lock released between batches", func(t *testing.T) {
		g, _, writer := newMockGateway(t, Config{RetentionBatchSize: 1, RetentionPause: 50 * time.Millisecond})
		writer.ExpectExec(deleteSQL).WillReturnResult(sqlmock.NewResult(0, 1))
		writer.ExpectExec(deleteSQL).WillReturnResult(sqlmock.NewResult(0, 0))
		writer.ExpectExec(regexp.QuoteMeta("VACUUM")).WillReturnResult(sqlmock.NewResult(0, 0))

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := g.DeleteOlderThan(context.Background(), horizon)
			assert.NoError(t, err)
		}()

		acquired := assert.Eventually(t, func() bool {
			if g.writeMu.TryLock() {
				g.writeMu.Unlock()
				return true
			}
			return false
		}, time.Second, time.Millisecond)
		assert.True(t, acquired, "a writer can get in during the pause")
		<-done
	})

	t.Run("Error stops the run", func(t *testing.T) {
		g, _, writer := newMockGateway(t, Config{RetentionBatchSize: 2})
		writer.ExpectExec(deleteSQL).WillReturnResult(sqlmock.NewResult(0, 2))
		writer.ExpectExec(deleteSQL).WillReturnError(errors.New("disk full"))

		n, err := g.DeleteOlderThan(context.Background(), horizon)
		assert.ErrorContains(t, err, "disk full")
		assert.Equal(t, int64(2), n)
	})
}

func Test_IsContention(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "Serialization failure", err: &pq.Error{Code: "40001"}, expected: true},
		{name: "Deadlock", err: &pq.Error{Code: "40P01"}, expected: true},
		{name: "Lock not available", err: &pq.Error{Code: "55P03"}, expected: true},
		{name: "Statement timeout", err: &pq.Error{Code: "57014"}, expected: true},
		{name: "Wrapped", err: fmt.Errorf("insert: %w", &pq.Error{Code: "40001"}), expected: true},
		{name: "Unique violation", err: &pq.Error{Code: "23505"}},
		{name: "Plain error", err: errors.New("boom")},
		{name: "Nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsContention(tt.err))
		})
	}
}

func Test_migrationSource(t *testing.T) {
	src, err := migrationSource()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	up, ident, err := src.ReadUp(version)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "create_price_records", ident)

	_, err = src.Next(version)
	assert.Error(t, err, "single migration")
}

func Test_Open_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	g, _, _ := newMockGateway(t, Config{})
	assert.True(t, errors.Is(g.Migrate(), ErrInvalidConfig))
}
