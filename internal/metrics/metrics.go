// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricefeed"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	feedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Frames received from upstream feeds.",
		},
		[]string{"feed"},
	)

	feedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "errors_total",
			Help:      "Connection failures and stalls per feed.",
		},
		[]string{"feed"},
	)

	feedParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "parse_errors_total",
			Help:      "Frames that could not be parsed.",
		},
		[]string{"feed"},
	)

	feedState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "state",
			Help:      "Current connection state per feed (numeric FeedState).",
		},
		[]string{"feed"},
	)

	samples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "samples_total",
			Help:      "Samples emitted by the aggregation window.",
		},
		[]string{"feed", "instrument"},
	)

	persistWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Batch writes by outcome.",
		},
		[]string{"result"},
	)

	persistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_duration_seconds",
			Help:      "Duration of batch writes including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	persistDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "dropped_batches_total",
			Help:      "Batches dropped because the persist queue was full.",
		},
	)

	retentionDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "retention_deleted_total",
			Help:      "Records removed by the retention job.",
		},
	)

	hubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Currently connected stream subscribers.",
		},
	)

	hubDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Messages dropped by the hub, by reason.",
		},
		[]string{"reason"},
	)

	fallbackLocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "fallback_locks_total",
			Help:      "Fallback sources locked per view.",
		},
		[]string{"view", "instrument", "feed"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

// Hub drop reasons.
const (
	DropPublish    = "publish"
	DropSubscriber = "subscriber"
)

func init() {
	Registry.MustRegister(
		feedMessages,
		feedErrors,
		feedParseErrors,
		feedState,
		samples,
		persistWrites,
		persistDuration,
		persistDrops,
		retentionDeleted,
		hubSubscribers,
		hubDrops,
		fallbackLocks,
		httpRequests,
		httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func FeedMessage(feed string) { feedMessages.WithLabelValues(feed).Inc() }
func FeedError(feed string) { feedErrors.WithLabelValues(feed).Inc() }
func FeedParseError(feed string) { feedParseErrors.WithLabelValues(feed).Inc() }

// FeedState records the numeric state of a feed connection.
func FeedState(feed string, state int) {
	feedState.WithLabelValues(feed).Set(float64(state))
}

func Sample(feed, instrument string) { samples.WithLabelValues(feed, instrument).Inc() }

// RecordWrite records the outcome of one batch write.
func RecordWrite(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	persistWrites.WithLabelValues(result).Inc()
	persistDuration.Observe(duration.Seconds())
}

func PersistDropped() { persistDrops.Inc() }
func RetentionDeleted(n int64) { retentionDeleted.Add(float64(n)) }

func SubscriberAdded() { hubSubscribers.Inc() }
func SubscriberRemoved() { hubSubscribers.Dec() }
func HubDropped(reason string) { hubDrops.WithLabelValues(reason).Inc() }

func FallbackLocked(view, instrument, feed string) {
	fallbackLocks.WithLabelValues(view, instrument, feed).Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Streaming endpoints are counted when they end.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps Server-Sent Events working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack exposes the underlying connection for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", r.ResponseWriter)
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// canonicalPath collapses path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "fallback" {
		return "/api/fallback/:view"
	}
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
