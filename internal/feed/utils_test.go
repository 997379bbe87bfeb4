package feed

import (
	"errors"
	"testing"
	"time"

	"pricefeed/internal/websocket"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Test_validateConfig checks defaults and the per-feed configuration errors
func Test_validateConfig(t *testing.T) {
	defaults := &Config{
		Endpoint: "wss://default.example.com/ws",
		Symbols:  map[string]string{"gold": "XAUUSD"},
	}

	tests := []struct {
		name        string
		config      Config
		expectError string
		description string
	}{
		{
			name:        "Defaults applied",
			config:      Config{APIKey: "k"},
			description: "Should fill endpoint and symbols from defaults",
		},
		{
			name:        "Missing API key",
			config:      Config{Endpoint: "wss://x.example.com"},
			expectError: "api key is required",
			description: "A feed without credentials cannot start",
		},
		{
			name:        "HTTP endpoint",
			config:      Config{APIKey: "k", Endpoint: "https://x.example.com"},
			expectError: "expected ws or wss",
			description: "Only websocket schemes are dialable",
		},
		{
			name:        "Endpoint without host",
			config:      Config{APIKey: "k", Endpoint: "wss://"},
			expectError: "missing host",
			description: "Host is required",
		},
		{
			name:        "Malformed endpoint",
			config:      Config{APIKey: "k", Endpoint: "wss://[bad"},
			expectError: "invalid endpoint",
			description: "Unparseable URLs are rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := validateConfig(&cfg, defaults)
			if tt.expectError != "" {
				require.Error(t, err, tt.description)
				assert.Contains(t, err.Error(), tt.expectError)
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, defaults.Endpoint, cfg.Endpoint)
			assert.Equal(t, defaults.Symbols, cfg.Symbols)
		})
	}
}

func Test_newSymbolIndex(t *testing.T) {
	idx, err := newSymbolIndex(map[string]string{"silver": "XAGUSD", "gold": "XAUUSD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gold", "silver"}, idx.instruments)

	instrument, ok := idx.lookup("XAGUSD")
	assert.True(t, ok)
	assert.Equal(t, "silver", instrument)
	_, ok = idx.lookup("XPTUSD")
	assert.False(t, ok)

	_, err = newSymbolIndex(map[string]string{"gold": "XAUUSD", "gold_spot": "XAUUSD"})
	assert.ErrorContains(t, err, "mapped to both")

	_, err = newSymbolIndex(map[string]string{"Gold": "XAUUSD"})
	assert.ErrorContains(t, err, "expected lowercase identifier")

	_, err = newSymbolIndex(map[string]string{"gold": ""})
	assert.ErrorContains(t, err, "empty provider symbol")
}

func Test_New(t *testing.T) {
	for _, id := range []string{EODHDFeed, TwelveDataFeed, PolygonFeed} {
		p, err := New(id, &Config{APIKey: "k"})
		require.NoError(t, err, id)
		assert.Equal(t, id, p.ID())
		assert.NotEmpty(t, p.Instruments())
	}

	_, err := New("bloomberg", &Config{APIKey: "k"})
	assert.True(t, errors.Is(err, ErrUnknownFeed))

	_, err = New(EODHDFeed, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig), "missing api key is a config error for that feed")
}

func Test_Connect(t *testing.T) {
	p, err := NewPolygon(&Config{APIKey: "k", Symbols: map[string]string{"gold": "XAU/USD"}})
	require.NoError(t, err)

	conn, err := Connect(p, websocket.Config{StallTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, PolygonFeed, conn.FeedID())
	assert.Equal(t, PolygonFeed, conn.Health().FeedID)
	conn.Stop()
}

func Test_observedAt(t *testing.T) {
	assert.Equal(t, time.UnixMilli(1706012096000), observedAt(1706012096000, time.Millisecond))
	assert.Equal(t, time.Unix(1706012096, 0), observedAt(1706012096, time.Second))
	assert.WithinDuration(t, time.Now(), observedAt(0, time.Second), time.Second)
}

func Test_withQuery(t *testing.T) {
	assert.Equal(t, "wss://ws.example.com/forex?api_token=abc", withQuery("wss://ws.example.com/forex", "api_token", "abc"))
	assert.Equal(t, "wss://ws.example.com/forex?a=1&apikey=abc", withQuery("wss://ws.example.com/forex?a=1", "apikey", "abc"))
}
