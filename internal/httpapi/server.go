// Package httpapi exposes prices to viewers over HTTP: query endpoints for
// latest, historical and reference prices, and the consolidated stream as
// Server-Sent Events or WebSocket.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/service"
	"pricefeed/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultHeartbeat = 30 * time.Second

// Store is the persisted side of the API.
type Store interface {
	LatestAll(ctx context.Context) ([]model.PriceRecord, error)
	History(ctx context.Context, q storage.HistoryQuery) (storage.HistoryPage, error)
	Ping(ctx context.Context) error
}

// Ingest is the live side: latest samples, feed health and fallback routing.
type Ingest interface {
	Latest() []model.Sample
	LatestFor(feedID, instrument string) (model.Sample, bool)
	FeedHealth() []model.FeedHealth
	Views() []string
	FallbackLocks(view string) map[string]string
	ResetFallback(view string) (int, error)
}

// Streams hands out subscriptions to the consolidated stream.
type Streams interface {
	Subscribe(ctx context.Context, opts service.SubscribeOptions) (*service.Subscriber, error)
	Unsubscribe(sub *service.Subscriber)
	Count() int
}

// References answers reference price queries.
type References interface {
	Reference(ctx context.Context, instruments []string, feedID string) (service.ReferencePrices, error)
	SessionBoundary(now time.Time) time.Time
}

// Config holds configuration parameters for the Server.
type Config struct {
	Zone              *time.Location // display zone for timestamps
	HeartbeatInterval time.Duration
	RateLimit         float64 // requests per second per client
	RateBurst         int
}

// Server routes API requests to the ingestion, storage and stream layers.
type Server struct {
	cfg      Config
	store    Store
	ingest   Ingest
	streams  Streams
	refs     References
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	now      func() time.Time
	logger   zerolog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config, store Store, ingest Ingest, streams Streams, refs References) *Server {
	if cfg.Zone == nil {
		cfg.Zone = time.UTC
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		ingest:  ingest,
		streams: streams,
		refs:    refs,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:    time.Now,
		logger: log.With().Str("component", "httpapi").Logger(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Handler)

		r.Get("/latest-all", s.handleLatestAll)
		r.Get("/latest/{feed}/{instrument}", s.handleLatest)
		r.Get("/statistics", s.handleStatistics)
		r.Get("/reference", s.handleReference)
		r.Get("/history", s.handleHistory)
		r.Get("/status", s.handleStatus)
		r.Delete("/fallback/{view}", s.handleResetFallback)

		r.Get("/stream", s.handleStream)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
