package service

import (
	"sync"

	"pricefeed/internal/model"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// FeedServiceName returns the health service name of a feed.
func FeedServiceName(feedID string) string {
	return "feed." + feedID
}

// HealthReporter mirrors feed connection states into a gRPC health server.
// A feed is SERVING only while Connected. The overall service ("") is
// SERVING while at least one feed is.
type HealthReporter struct {
	server *health.Server

	mu    sync.Mutex
	feeds map[string]bool
}

// NewHealthReporter registers every feed as NOT_SERVING.
func NewHealthReporter(server *health.Server, feedIDs []string) *HealthReporter {
	feeds := make(map[string]bool, len(feedIDs))
	for _, id := range feedIDs {
		feeds[id] = false
		server.SetServingStatus(FeedServiceName(id), grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: server, feeds: feeds}
}

// HandleStateChange is a connection state hook.
func (h *HealthReporter) HandleStateChange(feedID string, _, to model.FeedState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	serving := to == model.StateConnected
	h.feeds[feedID] = serving

	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(FeedServiceName(feedID), status)

	overall := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	for _, ok := range h.feeds {
		if ok {
			overall = grpc_health_v1.HealthCheckResponse_SERVING
			break
		}
	}
	h.server.SetServingStatus("", overall)
}

// Shutdown marks every service NOT_SERVING for good.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}
