// Package websocket provides a self-healing WebSocket connection for upstream
// quote feeds.
//
// A Connection owns one logical feed subscription across any number of
// physical sockets. Each socket is a session: dial, send the provider's
// subscription messages, then read frames until the socket fails or the
// stall watchdog fires. Between sessions the connection waits out an
// exponential backoff. Parsed ticks are delivered on the channel returned by
// Ticks, which is closed once the connection has fully stopped.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	defaultStallTimeout      = 60 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 60 * time.Second
	defaultTickBuffer        = 1000

	// stopTimeout bounds how long Stop waits for session goroutines.
	stopTimeout = 5 * time.Second

	// maxLoggedPayload truncates raw frames attached to parse error logs.
	maxLoggedPayload = 512
)

var (
	// ErrStalled indicates a session was torn down by the watchdog.
	ErrStalled = errors.New("no frames received within stall timeout")

	// ErrFatal marks parser errors that no reconnect can cure, such as a
	// rejected credential. The connection stops instead of retrying.
	ErrFatal = errors.New("fatal feed error")
)

// Parser turns one raw frame into zero or more ticks. Control frames such as
// heartbeats and subscription acknowledgements yield no ticks and no error.
// Errors wrapping ErrFatal end the connection.
type Parser interface {
	Parse(raw []byte) ([]model.Tick, error)
}

// Config defines settings for a feed connection.
type Config struct {
	// FeedID identifies the feed in logs, metrics and health snapshots.
	// Required.
	FeedID string

	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Parser decodes inbound frames. Required.
	Parser Parser

	// SubscriptionMessages are sent in order right after every dial.
	SubscriptionMessages [][]byte

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	PingPeriod        time.Duration
	SendTimeout       time.Duration
	StallTimeout      time.Duration // no inbound frame for this long forces a reconnect
	ReconnectDelay    time.Duration // first backoff step
	MaxReconnectDelay time.Duration // backoff cap
	TickBuffer        int

	// OnStateChange, when set, is called synchronously on every state
	// transition. It must not block.
	OnStateChange func(feedID string, from, to model.FeedState)
}

// Connection maintains a subscription to one upstream feed.
type Connection struct {
	cfg    Config
	logger zerolog.Logger

	// conn stores the socket of the active session.
	conn atomic.Value // stores *websocket.Conn

	ticks chan model.Tick

	state             atomic.Int32
	messageCount      atomic.Int64
	errorCount        atomic.Int64
	parseErrorCount   atomic.Int64
	reconnectAttempts atomic.Int64
	lastMessageAt     atomic.Int64 // unix nanoseconds, zero before the first frame

	// stateMu serializes transitions so the hook observes them in order.
	stateMu sync.Mutex

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
}

// NewConnection validates the configuration and returns an idle connection.
// Nothing is dialed until Start is called.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.FeedID == "" {
		return nil, errors.New("feed id is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid endpoint scheme %q: expected ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("invalid endpoint: missing host")
	}
	if cfg.Parser == nil {
		return nil, errors.New("parser is required")
	}

	// Apply defaults for optional fields
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
		if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
			cfg.MaxReconnectDelay = cfg.ReconnectDelay
		}
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = defaultTickBuffer
	}

	return &Connection{
		cfg: cfg,
		logger: log.With().
			Str("feed", cfg.FeedID).
			Str("endpoint", redact(u)).
			Logger(),
		ticks: make(chan model.Tick, cfg.TickBuffer),
		done:  make(chan struct{}),
	}, nil
}

// FeedID returns the identifier of the feed.
func (c *Connection) FeedID() string {
	return c.cfg.FeedID
}

// Ticks returns the channel parsed ticks are delivered on. It is closed after
// Stop once the connection loop has exited.
func (c *Connection) Ticks() <-chan model.Tick {
	return c.ticks
}

// Start launches the connection loop in the background. Calling Start more
// than once, or after Stop, has no effect.
func (c *Connection) Start(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started || c.State() == model.StateStopped {
		return
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop terminates the connection: the backoff wait, the watchdog and any
// in-flight read are cancelled and the socket is closed. Stop waits a bounded
// time for the loop to exit and is safe to call multiple times.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		logger := c.logger.With().Str("component", "stop").Logger()
		logger.Info().Msg("stopping feed connection")

		c.lifecycleMu.Lock()
		c.setState(model.StateStopped)
		started := c.started
		cancel := c.cancel
		c.lifecycleMu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.closeActive()

		if !started {
			close(c.ticks)
			return
		}

		select {
		case <-c.done:
			logger.Info().Msg("feed connection stopped")
		case <-time.After(stopTimeout):
			logger.Warn().Msg("timeout waiting for feed connection to stop")
		}
	})
}

// State returns the current lifecycle state.
func (c *Connection) State() model.FeedState {
	return model.FeedState(c.state.Load())
}

// Health returns a point-in-time snapshot of the connection's counters.
func (c *Connection) Health() model.FeedHealth {
	state := c.State()
	h := model.FeedHealth{
		FeedID:            c.cfg.FeedID,
		State:             state,
		Connected:         state == model.StateConnected,
		MessageCount:      c.messageCount.Load(),
		ErrorCount:        c.errorCount.Load(),
		ParseErrorCount:   c.parseErrorCount.Load(),
		ReconnectAttempts: c.reconnectAttempts.Load(),
	}
	if ns := c.lastMessageAt.Load(); ns != 0 {
		h.LastMessageAt = time.Unix(0, ns)
	}
	return h
}

// run drives sessions and backoff until ctx is cancelled.
func (c *Connection) run(ctx context.Context) {
	logger := c.logger.With().Str("component", "run").Logger()
	defer func() {
		close(c.ticks)
		close(c.done)
		logger.Info().Msg("connection loop exiting")
	}()

	delay := c.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(model.StateConnecting)
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.errorCount.Add(1)
		metrics.FeedError(c.cfg.FeedID)

		if errors.Is(err, ErrFatal) {
			logger.Error().Err(err).Msg("feed rejected the session, not reconnecting")
			c.setState(model.StateStopped)
			return
		}

		if connected {
			delay = c.cfg.ReconnectDelay
		}

		c.setState(model.StateReconnecting)
		c.reconnectAttempts.Add(1)
		logger.Warn().Err(err).Dur("backoff", delay).Msg("session ended, reconnecting")

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay, c.cfg.MaxReconnectDelay)
	}
}

// session runs one socket from dial to failure. connected reports whether
// the subscription handshake completed, which resets the backoff.
func (c *Connection) session(ctx context.Context) (connected bool, err error) {
	logger := c.logger.With().Str("component", "session").Logger()

	conn, err := c.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	c.conn.Store(conn)
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("socket already closed")
		}
	}()

	conn.SetReadLimit(defaultReadLimit)

	// Send subscription messages in order
	for i, msg := range c.cfg.SubscriptionMessages {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
			return false, fmt.Errorf("set write deadline: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Int("index", i).Msg("subscription error")
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return false, fmt.Errorf("clear write deadline: %w", err)
	}

	c.setState(model.StateConnected)
	logger.Info().Int("subscriptions", len(c.cfg.SubscriptionMessages)).Msg("subscribed")

	sessCtx, cancel := context.WithCancel(ctx)
	activity := make(chan struct{}, 1)
	var stalled atomic.Bool

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.watchdog(sessCtx, conn, activity, &stalled)
	}()
	go func() {
		defer wg.Done()
		c.pingLoop(sessCtx, conn)
	}()

	err = c.readLoop(sessCtx, conn, activity)
	cancel()
	wg.Wait()

	if stalled.Load() {
		return true, ErrStalled
	}
	return true, err
}

// readLoop reads frames until the socket fails or ctx is cancelled.
func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, activity chan<- struct{}) error {
	logger := c.logger.With().Str("component", "readLoop").Logger()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Categorize and log different error types
			switch {
			case ctx.Err() != nil:
				logger.Debug().Err(err).Msg("read interrupted by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}
			return err
		}

		select {
		case activity <- struct{}{}:
		default:
		}
		c.messageCount.Add(1)
		c.lastMessageAt.Store(time.Now().UnixNano())
		metrics.FeedMessage(c.cfg.FeedID)

		ticks, err := c.parse(data)
		if errors.Is(err, ErrFatal) {
			return err
		}
		if err != nil {
			c.parseErrorCount.Add(1)
			metrics.FeedParseError(c.cfg.FeedID)
			logger.Warn().Err(err).Str("raw", truncate(data)).Msg("failed to parse frame")
			continue
		}

		for _, t := range ticks {
			select {
			case c.ticks <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parse invokes the parser, converting a panic into an error.
func (c *Connection) parse(data []byte) (ticks []model.Tick, err error) {
	defer func() {
		if r := recover(); r != nil {
			ticks, err = nil, fmt.Errorf("panic in parser: %v", r)
		}
	}()
	return c.cfg.Parser.Parse(data)
}

// watchdog closes the socket when no frame arrives within StallTimeout.
// Every signal on activity restarts the timer.
func (c *Connection) watchdog(ctx context.Context, conn *websocket.Conn, activity <-chan struct{}, stalled *atomic.Bool) {
	timer := time.NewTimer(c.cfg.StallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Unblocks a pending ReadMessage on shutdown.
			_ = conn.Close()
			return
		case <-activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.StallTimeout)
		case <-timer.C:
			stalled.Store(true)
			c.setState(model.StateStalled)
			c.logger.Warn().
				Str("component", "watchdog").
				Dur("timeout", c.cfg.StallTimeout).
				Msg("feed stalled, closing socket")
			_ = conn.Close()
			return
		}
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *Connection) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := c.logger.With().Str("component", "pingLoop").Logger()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			} else {
				logger.Debug().Msg("ping sent")
			}
		case <-ctx.Done():
			return
		}
	}
}

// closeActive sends a close frame on the current socket and closes it.
func (c *Connection) closeActive() {
	v := c.conn.Load()
	if v == nil {
		return
	}
	ws, ok := v.(*websocket.Conn)
	if !ok {
		return
	}
	if err := ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err := ws.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("error closing websocket connection")
	}
}

// setState records a transition and notifies the hook. Stopped is terminal.
func (c *Connection) setState(to model.FeedState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	from := model.FeedState(c.state.Load())
	if from == to || from == model.StateStopped {
		return
	}
	c.state.Store(int32(to))
	metrics.FeedState(c.cfg.FeedID, int(to))

	c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state change")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.cfg.FeedID, from, to)
	}
}

// dial establishes a WebSocket connection.
func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := c.logger.With().
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Dur("handshakeTimeout", defaultHandshakeTimeout).
		Logger()

	logger.Info().Msg("attempting websocket connection")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// nextDelay doubles the backoff up to limit.
func nextDelay(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// redact strips credentials carried in the query string or userinfo.
func redact(u *url.URL) string {
	clean := *u
	clean.User = nil
	clean.RawQuery = ""
	return clean.String()
}

func truncate(data []byte) string {
	if len(data) <= maxLoggedPayload {
		return string(data)
	}
	return string(data[:maxLoggedPayload]) + "..."
}
