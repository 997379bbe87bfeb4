/*
Package main implements a command-line viewer for the price stream.

The client first probes the server's gRPC health service, then subscribes to
the consolidated WebSocket stream for one view and logs every price it
receives. It reconnects with a capped backoff when the stream drops.

Usage:

	go run ./cmd/client -http=localhost:8080 -grpc=localhost:50051 -view=eodhd
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricefeed/internal/httpapi"
	"pricefeed/internal/service"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const maxRetryDelay = 30 * time.Second

// Command-line flags for configuring the client
var (
	// httpAddr is the host:port of the HTTP API
	httpAddr = flag.String("http", "localhost:8080", "The HTTP API address in the format host:port")
	// grpcAddr is the host:port of the gRPC health service
	grpcAddr = flag.String("grpc", "localhost:50051", "The gRPC health address in the format host:port")
	// view selects the consolidated stream; empty streams every feed
	view = flag.String("view", "", "Feed whose consolidated stream to follow")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	if err := probeHealth(ctx, *grpcAddr, log); err != nil {
		log.Warn().Err(err).Msg("health probe failed")
	}

	streamURL := url.URL{Scheme: "ws", Host: *httpAddr, Path: "/api/ws"}
	if *view != "" {
		streamURL.RawQuery = url.Values{"view": {*view}}.Encode()
	}

	delay := time.Second
	for ctx.Err() == nil {
		received, err := follow(ctx, streamURL.String(), log)
		if ctx.Err() != nil {
			break
		}
		if received {
			delay = time.Second
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("stream ended")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	log.Info().Msg("client stopped")
}

// probeHealth logs the overall serving status and, when a view is set, that
// of its feed.
func probeHealth(ctx context.Context, addr string, log zerolog.Logger) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := grpc_health_v1.NewHealthClient(conn)
	overall, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	log.Info().Str("status", overall.GetStatus().String()).Msg("service health")

	if *view == "" {
		return nil
	}
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service.FeedServiceName(*view)})
	if err != nil {
		return fmt.Errorf("check feed %s: %w", *view, err)
	}
	log.Info().Str("feed", *view).Str("status", resp.GetStatus().String()).Msg("feed health")
	return nil
}

// follow reads the stream until it fails or ctx ends. It reports whether
// at least one price arrived.
func follow(ctx context.Context, target string, log zerolog.Logger) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	log.Info().Str("url", target).Msg("subscribed")

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}

		var msg httpapi.PriceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Msg("failed to decode price")
			continue
		}
		received = true

		event := log.Info().
			Str("feed", msg.FeedID).
			Str("instrument", msg.Instrument).
			Str("price", msg.Price.String()).
			Str("timestamp", msg.Timestamp)
		if msg.Bid.Valid {
			event = event.Str("bid", msg.Bid.Decimal.String())
		}
		if msg.Ask.Valid {
			event = event.Str("ask", msg.Ask.Decimal.String())
		}
		event.Msg("received price")
	}
}

func validateConfig() error {
	if *httpAddr == "" {
		return fmt.Errorf("http address cannot be empty")
	}
	if *grpcAddr == "" {
		return fmt.Errorf("grpc address cannot be empty")
	}
	return nil
}
