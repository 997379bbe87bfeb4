package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"pricefeed/internal/model"
	"pricefeed/internal/service"
	"pricefeed/internal/storage"
	"pricefeed/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const healthTimeout = 2 * time.Second

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	connected := 0
	for _, h := range s.ingest.FeedHealth() {
		if h.Connected {
			connected++
		}
	}

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":          "unavailable",
			"error":           err.Error(),
			"feeds_connected": connected,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"feeds_connected": connected,
	})
}

func (s *Server) handleLatestAll(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.LatestAll(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("latest prices query failed")
		writeError(w, http.StatusInternalServerError, "failed to load latest prices")
		return
	}

	prices := make([]PriceMessage, len(records))
	for i, rec := range records {
		prices[i] = recordMessage(rec, s.cfg.Zone)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prices": prices})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feed")
	instrument := chi.URLParam(r, "instrument")

	sample, ok := s.ingest.LatestFor(feedID, instrument)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no data for %s %s", feedID, instrument))
		return
	}
	writeJSON(w, http.StatusOK, NewPriceMessage(sample, s.cfg.Zone))
}

// Statistics compares the latest price of one instrument across feeds.
type Statistics struct {
	Instrument string          `json:"instrument"`
	Feeds      int             `json:"feeds"`
	Average    decimal.Decimal `json:"average"`
	Max        decimal.Decimal `json:"max"`
	Min        decimal.Decimal `json:"min"`
	Spread     decimal.Decimal `json:"spread"`
	Prices     []PriceMessage  `json:"prices"`
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	instrument := r.URL.Query().Get("instrument")
	if err := utils.ValidateInstrument(instrument); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, ok := computeStatistics(instrument, s.ingest.Latest(), s.cfg.Zone)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no data for %s", instrument))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func computeStatistics(instrument string, latest []model.Sample, zone *time.Location) (Statistics, bool) {
	stats := Statistics{Instrument: instrument, Prices: []PriceMessage{}}
	sum := decimal.Zero
	for _, sample := range latest {
		if sample.Instrument != instrument {
			continue
		}
		if stats.Feeds == 0 || sample.Price.GreaterThan(stats.Max) {
			stats.Max = sample.Price
		}
		if stats.Feeds == 0 || sample.Price.LessThan(stats.Min) {
			stats.Min = sample.Price
		}
		sum = sum.Add(sample.Price)
		stats.Feeds++
		stats.Prices = append(stats.Prices, NewPriceMessage(sample, zone))
	}
	if stats.Feeds == 0 {
		return Statistics{}, false
	}

	stats.Average = sum.Div(decimal.NewFromInt(int64(stats.Feeds)))
	stats.Spread = stats.Max.Sub(stats.Min)
	sort.Slice(stats.Prices, func(i, j int) bool { return stats.Prices[i].FeedID < stats.Prices[j].FeedID })
	return stats, true
}

type referenceResponse struct {
	SessionStart string                  `json:"session_start"`
	Prices       service.ReferencePrices `json:"prices"`
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instruments := utils.SplitList(q.Get("instruments"))

	prices, err := s.refs.Reference(r.Context(), instruments, q.Get("feed"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidReference) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Strs("instruments", instruments).Msg("reference query failed")
		writeError(w, http.StatusInternalServerError, "failed to load reference prices")
		return
	}

	writeJSON(w, http.StatusOK, referenceResponse{
		SessionStart: s.refs.SessionBoundary(s.now()).In(s.cfg.Zone).Format(time.RFC3339),
		Prices:       prices,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.store.History(r.Context(), q)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	for i := range page.Items {
		page.Items[i].RecordedAt = page.Items[i].RecordedAt.In(s.cfg.Zone)
		page.Items[i].CreatedAt = page.Items[i].CreatedAt.In(s.cfg.Zone)
	}
	writeJSON(w, http.StatusOK, page)
}

func parseHistoryQuery(r *http.Request) (storage.HistoryQuery, error) {
	values := r.URL.Query()
	q := storage.HistoryQuery{
		Instrument: values.Get("instrument"),
		FeedID:     values.Get("feed"),
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"page", &q.Page},
		{"page_size", &q.PageSize},
	}
	for _, p := range ints {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("invalid %s %q", p.name, raw)
		}
		*p.dst = n
	}

	times := []struct {
		name string
		dst  *time.Time
	}{
		{"from", &q.From},
		{"to", &q.To},
	}
	for _, p := range times {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, fmt.Errorf("invalid %s %q: expected RFC3339", p.name, raw)
		}
		*p.dst = t
	}

	return q, nil
}

type statusResponse struct {
	Feeds       []model.FeedHealth           `json:"feeds"`
	Subscribers int                          `json:"subscribers"`
	Fallbacks   map[string]map[string]string `json:"fallbacks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fallbacks := make(map[string]map[string]string)
	for _, view := range s.ingest.Views() {
		fallbacks[view] = s.ingest.FallbackLocks(view)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Feeds:       s.ingest.FeedHealth(),
		Subscribers: s.streams.Count(),
		Fallbacks:   fallbacks,
	})
}

func (s *Server) handleResetFallback(w http.ResponseWriter, r *http.Request) {
	view := chi.URLParam(r, "view")

	released, err := s.ingest.ResetFallback(view)
	if err != nil {
		if errors.Is(err, service.ErrUnknownView) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"view": view, "released": released})
}
