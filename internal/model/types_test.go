package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// Test_TickPrice verifies the ask-priority rule used to derive a tick's price
func Test_TickPrice(t *testing.T) {
	tests := []struct {
		name   string
		bid    decimal.NullDecimal
		ask    decimal.NullDecimal
		expect string
	}{
		{name: "Both sides uses ask", bid: nd("2050.20"), ask: nd("2050.40"), expect: "2050.40"},
		{name: "Ask only", ask: nd("31.05"), expect: "31.05"},
		{name: "Bid only", bid: nd("1380.5"), expect: "1380.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, err := NewTick("eodhd", "gold", tt.bid, tt.ask, time.Now())
			require.NoError(t, err)

			price, ok := tick.Price()
			assert.True(t, ok)
			assert.True(t, decimal.RequireFromString(tt.expect).Equal(price), "got %s", price)
		})
	}
}

func Test_NewTick_RejectsEmptyQuote(t *testing.T) {
	_, err := NewTick("eodhd", "gold", decimal.NullDecimal{}, decimal.NullDecimal{}, time.Now())
	assert.True(t, errors.Is(err, ErrNoQuote))

	var zero Tick
	_, ok := zero.Price()
	assert.False(t, ok)
}

func Test_RoutedSample_InView(t *testing.T) {
	r := RoutedSample{Sample: Sample{FeedID: "polygon", Instrument: "jpy_krw"}, Views: []string{"polygon", "eodhd"}}

	assert.True(t, r.InView(""), "comparison subscribers receive everything")
	assert.True(t, r.InView("eodhd"))
	assert.True(t, r.InView("polygon"))
	assert.False(t, r.InView("twelvedata"))
}

func Test_FeedState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", FeedState(42).String())

	text, err := StateStalled.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "stalled", string(text))
}
