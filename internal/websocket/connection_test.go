package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricefeed/internal/model"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFeedServer is an upstream feed stand-in. Every accepted socket is
// handed to handler together with its 1-based connection number.
type testFeedServer struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	connections atomic.Int32
	mu          sync.Mutex
	received    [][]byte
	handler     func(conn *websocket.Conn, n int32)
}

func newTestFeedServer(handler func(conn *websocket.Conn, n int32)) *testFeedServer {
	ts := &testFeedServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		handler:  handler,
	}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := ts.connections.Add(1)
		ts.handler(conn, n)
	}))
	return ts
}

func (ts *testFeedServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *testFeedServer) Close() { ts.server.Close() }

func (ts *testFeedServer) record(data []byte) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.received = append(ts.received, data)
}

func (ts *testFeedServer) Received() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, len(ts.received))
	for i, r := range ts.received {
		out[i] = string(r)
	}
	return out
}

// readN records n client frames, then returns.
func (ts *testFeedServer) readN(conn *websocket.Conn, n int) bool {
	for i := 0; i < n; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		ts.record(data)
	}
	return true
}

// drain blocks until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// stubParser maps frames to outcomes: "tick:<instrument>:<ask>" yields one
// tick, "hb" yields nothing, "bad" fails, "denied" fails fatally and "panic"
// panics.
type stubParser struct{}

func (stubParser) Parse(raw []byte) ([]model.Tick, error) {
	s := string(raw)
	switch {
	case s == "hb":
		return nil, nil
	case s == "bad":
		return nil, errors.New("malformed frame")
	case s == "denied":
		return nil, fmt.Errorf("%w: key rejected", ErrFatal)
	case s == "panic":
		panic("parser exploded")
	case strings.HasPrefix(s, "tick:"):
		parts := strings.Split(s, ":")
		ask := decimal.NewNullDecimal(decimal.RequireFromString(parts[2]))
		tick, err := model.NewTick("stub", parts[1], decimal.NullDecimal{}, ask, time.Now())
		if err != nil {
			return nil, err
		}
		return []model.Tick{tick}, nil
	}
	return nil, errors.New("unexpected frame")
}

// transitionRecorder collects state changes reported through OnStateChange.
type transitionRecorder struct {
	mu  sync.Mutex
	seq []model.FeedState
}

func (r *transitionRecorder) hook(_ string, _, to model.FeedState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, to)
}

func (r *transitionRecorder) States() []model.FeedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.FeedState(nil), r.seq...)
}

func testConfig(endpoint string) Config {
	return Config{
		FeedID:            "stub",
		Endpoint:          endpoint,
		Parser:            stubParser{},
		PingPeriod:        time.Hour,
		StallTimeout:      5 * time.Second,
		ReconnectDelay:    20 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}
}

// Test_NewConnection_Validation checks constructor validation and defaults
func Test_NewConnection_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "Valid", mutate: func(c *Config) {}},
		{name: "Missing feed id", mutate: func(c *Config) { c.FeedID = "" }, errorMsg: "feed id is required"},
		{name: "Missing endpoint", mutate: func(c *Config) { c.Endpoint = "" }, errorMsg: "endpoint URL is required"},
		{name: "HTTP scheme", mutate: func(c *Config) { c.Endpoint = "http://example.com/ws" }, errorMsg: "expected ws or wss"},
		{name: "Missing host", mutate: func(c *Config) { c.Endpoint = "ws:///path" }, errorMsg: "missing host"},
		{name: "Unparseable", mutate: func(c *Config) { c.Endpoint = "ws://[::1" }, errorMsg: "invalid endpoint"},
		{name: "Missing parser", mutate: func(c *Config) { c.Parser = nil }, errorMsg: "parser is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("wss://feed.example.com/ws?api_token=secret")
			tt.mutate(&cfg)

			conn, err := NewConnection(cfg)
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Nil(t, conn)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, model.StateDisconnected, conn.State())
		})
	}
}

func Test_NewConnection_Defaults(t *testing.T) {
	conn, err := NewConnection(Config{FeedID: "x", Endpoint: "ws://localhost:1/ws", Parser: stubParser{}})
	require.NoError(t, err)

	assert.Equal(t, defaultPingPeriod, conn.cfg.PingPeriod)
	assert.Equal(t, defaultSendTimeout, conn.cfg.SendTimeout)
	assert.Equal(t, defaultStallTimeout, conn.cfg.StallTimeout)
	assert.Equal(t, defaultReconnectDelay, conn.cfg.ReconnectDelay)
	assert.Equal(t, defaultMaxReconnectDelay, conn.cfg.MaxReconnectDelay)
	assert.Equal(t, defaultTickBuffer, cap(conn.ticks))
}

// Test_Connection_DeliversTicks checks subscription order, tick delivery and
// the health counters of a healthy session
func Test_Connection_DeliversTicks(t *testing.T) {
	var server *testFeedServer
	server = newTestFeedServer(func(conn *websocket.Conn, n int32) {
		if !server.readN(conn, 2) {
			return
		}
		for _, frame := range []string{"hb", "tick:gold:2050.40", "tick:silver:31.05"} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		drain(conn)
	})
	defer server.Close()

	cfg := testConfig(server.URL())
	cfg.SubscriptionMessages = [][]byte{[]byte(`{"action":"auth"}`), []byte(`{"action":"subscribe"}`)}
	conn, err := NewConnection(cfg)
	require.NoError(t, err)

	conn.Start(context.Background())
	defer conn.Stop()

	var got []model.Tick
	for len(got) < 2 {
		select {
		case tick := <-conn.Ticks():
			got = append(got, tick)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ticks")
		}
	}

	assert.Equal(t, "gold", got[0].Instrument)
	assert.Equal(t, "silver", got[1].Instrument)
	price, _ := got[0].Price()
	assert.True(t, decimal.RequireFromString("2050.40").Equal(price))

	assert.Equal(t, []string{`{"action":"auth"}`, `{"action":"subscribe"}`}, server.Received())

	require.Eventually(t, func() bool { return conn.Health().MessageCount == 3 }, time.Second, 10*time.Millisecond)
	h := conn.Health()
	assert.True(t, h.Connected)
	assert.Equal(t, model.StateConnected, h.State)
	assert.Zero(t, h.ErrorCount)
	assert.Zero(t, h.ParseErrorCount)
	assert.False(t, h.LastMessageAt.IsZero())
}

// Test_Connection_ParseErrors checks that malformed frames and parser panics
// are skipped without tearing the session down
func Test_Connection_ParseErrors(t *testing.T) {
	server := newTestFeedServer(func(conn *websocket.Conn, n int32) {
		for _, frame := range []string{"bad", "panic", "tick:gold:1"} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		drain(conn)
	})
	defer server.Close()

	conn, err := NewConnection(testConfig(server.URL()))
	require.NoError(t, err)
	conn.Start(context.Background())
	defer conn.Stop()

	select {
	case tick := <-conn.Ticks():
		assert.Equal(t, "gold", tick.Instrument)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick after parse errors")
	}

	h := conn.Health()
	assert.Equal(t, int64(2), h.ParseErrorCount)
	assert.Equal(t, int64(3), h.MessageCount)
	assert.Zero(t, h.ErrorCount, "parse failures are not connection errors")
	assert.Equal(t, int32(1), server.connections.Load())
}

// Test_Connection_FatalErrorStops checks that a rejected session moves the
// connection to Stopped without another dial
func Test_Connection_FatalErrorStops(t *testing.T) {
	server := newTestFeedServer(func(conn *websocket.Conn, n int32) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("denied")); err != nil {
			return
		}
		drain(conn)
	})
	defer server.Close()

	rec := &transitionRecorder{}
	cfg := testConfig(server.URL())
	cfg.OnStateChange = rec.hook

	conn, err := NewConnection(cfg)
	require.NoError(t, err)
	conn.Start(context.Background())
	defer conn.Stop()

	select {
	case _, open := <-conn.Ticks():
		assert.False(t, open, "ticks channel closes once the connection gives up")
	case <-time.After(2 * time.Second):
		t.Fatal("connection kept running after a fatal error")
	}

	// Several backoff periods pass without a second dial
	time.Sleep(200 * time.Millisecond)

	h := conn.Health()
	assert.Equal(t, model.StateStopped, h.State)
	assert.Equal(t, int64(1), h.ErrorCount)
	assert.Zero(t, h.ParseErrorCount)
	assert.Zero(t, h.ReconnectAttempts)
	assert.Equal(t, int32(1), server.connections.Load())
	assert.Equal(t, []model.FeedState{
		model.StateConnecting,
		model.StateConnected,
		model.StateStopped,
	}, rec.States())

	conn.Start(context.Background())
	assert.Equal(t, model.StateStopped, conn.State(), "a stopped connection cannot be restarted")
}

// Test_Connection_StallTriggersReconnect checks the watchdog path: a silent
// upstream forces Stalled then Reconnecting with the error counter bumped
// exactly once for the episode
func Test_Connection_StallTriggersReconnect(t *testing.T) {
	server := newTestFeedServer(func(conn *websocket.Conn, n int32) {
		drain(conn)
	})
	defer server.Close()

	rec := &transitionRecorder{}
	cfg := testConfig(server.URL())
	cfg.StallTimeout = 100 * time.Millisecond
	cfg.ReconnectDelay = 2 * time.Second
	cfg.MaxReconnectDelay = 2 * time.Second
	cfg.OnStateChange = rec.hook

	conn, err := NewConnection(cfg)
	require.NoError(t, err)
	conn.Start(context.Background())
	defer conn.Stop()

	require.Eventually(t, func() bool {
		return conn.State() == model.StateReconnecting
	}, 2*time.Second, 10*time.Millisecond)

	// Still inside the backoff window: no second session yet
	time.Sleep(200 * time.Millisecond)

	h := conn.Health()
	assert.Equal(t, int64(1), h.ErrorCount)
	assert.Equal(t, int64(1), h.ReconnectAttempts)
	assert.False(t, h.Connected)
	assert.Equal(t, []model.FeedState{
		model.StateConnecting,
		model.StateConnected,
		model.StateStalled,
		model.StateReconnecting,
	}, rec.States())
}

// Test_Connection_ReconnectsAfterDrop checks that a dropped socket is
// re-dialed and the subscription replayed
func Test_Connection_ReconnectsAfterDrop(t *testing.T) {
	var server *testFeedServer
	server = newTestFeedServer(func(conn *websocket.Conn, n int32) {
		if !server.readN(conn, 1) {
			return
		}
		if n == 1 {
			return // drop the first session
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("tick:gold:1")); err != nil {
			return
		}
		drain(conn)
	})
	defer server.Close()

	cfg := testConfig(server.URL())
	cfg.SubscriptionMessages = [][]byte{[]byte("sub")}
	conn, err := NewConnection(cfg)
	require.NoError(t, err)
	conn.Start(context.Background())
	defer conn.Stop()

	select {
	case <-conn.Ticks():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tick from second session")
	}

	assert.Equal(t, int32(2), server.connections.Load())
	assert.Equal(t, []string{"sub", "sub"}, server.Received())
	assert.Equal(t, int64(1), conn.Health().ErrorCount)
	assert.Equal(t, model.StateConnected, conn.State())
}

// Test_Connection_Stop covers shutdown from every phase
func Test_Connection_Stop(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		conn, err := NewConnection(testConfig("ws://127.0.0.1:1/ws"))
		require.NoError(t, err)

		conn.Stop()
		conn.Stop()
		conn.Start(context.Background())

		_, open := <-conn.Ticks()
		assert.False(t, open)
		assert.Equal(t, model.StateStopped, conn.State())
	})

	t.Run("during backoff", func(t *testing.T) {
		cfg := testConfig("ws://127.0.0.1:1/ws")
		cfg.ReconnectDelay = 10 * time.Second
		cfg.MaxReconnectDelay = 10 * time.Second
		conn, err := NewConnection(cfg)
		require.NoError(t, err)
		conn.Start(context.Background())

		require.Eventually(t, func() bool {
			return conn.State() == model.StateReconnecting
		}, 2*time.Second, 10*time.Millisecond)

		start := time.Now()
		conn.Stop()
		assert.Less(t, time.Since(start), time.Second, "stop must cancel the backoff wait")

		_, open := <-conn.Ticks()
		assert.False(t, open)
		assert.Equal(t, model.StateStopped, conn.State())
	})

	t.Run("while connected", func(t *testing.T) {
		closed := make(chan struct{})
		server := newTestFeedServer(func(conn *websocket.Conn, n int32) {
			drain(conn)
			close(closed)
		})
		defer server.Close()

		conn, err := NewConnection(testConfig(server.URL()))
		require.NoError(t, err)
		conn.Start(context.Background())

		require.Eventually(t, func() bool {
			return conn.State() == model.StateConnected
		}, 2*time.Second, 10*time.Millisecond)

		conn.Stop()
		conn.Stop()

		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatal("server never saw the socket close")
		}
		_, open := <-conn.Ticks()
		assert.False(t, open)
		assert.Equal(t, model.StateStopped, conn.State())
	})
}

func Test_nextDelay(t *testing.T) {
	tests := []struct {
		current time.Duration
		expect  time.Duration
	}{
		{current: time.Second, expect: 2 * time.Second},
		{current: 16 * time.Second, expect: 32 * time.Second},
		{current: 32 * time.Second, expect: 60 * time.Second},
		{current: 60 * time.Second, expect: 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, nextDelay(tt.current, 60*time.Second))
	}
}

func Test_redact(t *testing.T) {
	u, err := url.Parse("wss://user:pw@ws.example.com/ws/forex?api_token=secret")
	require.NoError(t, err)
	assert.Equal(t, "wss://ws.example.com/ws/forex", redact(u))

	assert.Equal(t, "abc", truncate([]byte("abc")))
	assert.True(t, strings.HasSuffix(truncate(make([]byte, maxLoggedPayload+10)), "..."))
}
