package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pricefeed/internal/model"
	"pricefeed/internal/service"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// subscribe opens a subscription for the request's view and writes the
// error response itself when that fails.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*service.Subscriber, bool) {
	view := r.URL.Query().Get("view")
	sub, err := s.streams.Subscribe(r.Context(), service.SubscribeOptions{View: view})
	switch {
	case err == nil:
		return sub, true
	case errors.Is(err, service.ErrUnknownView):
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown view %q", view))
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
	return nil, false
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer s.streams.Unsubscribe(sub)

	logger := s.logger.With().Str("subscriber", sub.ID()).Str("view", sub.View()).Logger()
	logger.Info().Int("subscribers", s.streams.Count()).Msg("sse client connected")
	defer logger.Info().Msg("sse client disconnected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Flushes the headers so EventSource opens without waiting for data.
	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rs, ok := <-sub.Messages():
			if !ok {
				return
			}
			data, err := s.encode(rs)
			if err != nil {
				logger.Error().Err(err).Msg("failed to encode sample")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(s.cfg.HeartbeatInterval)
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer s.streams.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("subscriber", sub.ID()).Str("view", sub.View()).Logger()
	logger.Info().Int("subscribers", s.streams.Count()).Msg("websocket client connected")
	defer logger.Info().Msg("websocket client disconnected")

	// The read side only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case rs, ok := <-sub.Messages():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			data, err := s.encode(rs)
			if err != nil {
				logger.Error().Err(err).Msg("failed to encode sample")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) encode(rs model.RoutedSample) ([]byte, error) {
	return json.Marshal(NewPriceMessage(rs.Sample, s.cfg.Zone))
}
