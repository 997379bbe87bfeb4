package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pricefeed/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	defaultTwelveDataConfig = Config{
		Endpoint: "wss://ws.twelvedata.com/v1/quotes/price",
		Symbols: map[string]string{
			"gold":    "XAU/USD",
			"silver":  "XAG/USD",
			"usd_krw": "USD/KRW",
		},
	}
)

// Twelve Data event types.
const (
	tdEventPrice           = "price"
	tdEventSubscribeStatus = "subscribe-status"
	tdEventHeartbeat       = "heartbeat"
)

// TwelveData streams quotes from twelvedata.com. The API key travels in the
// apikey query parameter.
type TwelveData struct {
	config   Config
	symbols  symbolIndex
	validate *validator.Validate
	logger   zerolog.Logger
}

// tdSubscription is the subscribe request.
//
//	{"action":"subscribe","params":{"symbols":"XAU/USD,USD/KRW"}}
type tdSubscription struct {
	Action string `json:"action"`
	Params struct {
		Symbols string `json:"symbols"`
	} `json:"params"`
}

// tdEvent covers every Twelve Data frame. Only "price" events carry quotes;
// the timestamp is in Unix seconds.
//
//	{"event":"price","symbol":"XAU/USD","currency_base":"Gold Spot","price":2050.25,"bid":2050.0,"ask":2050.5,"timestamp":1706012096}
type tdEvent struct {
	Event     string              `json:"event"`
	Symbol    string              `json:"symbol" validate:"required_if=Event price"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	Timestamp int64               `json:"timestamp" validate:"gte=0"`
	Status    string              `json:"status"`
	Message   string              `json:"message"`
	Success   []json.RawMessage   `json:"success"`
	Fails     []json.RawMessage   `json:"fails"`
}

// NewTwelveData creates the Twelve Data provider.
func NewTwelveData(cfg *Config) (*TwelveData, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if err := validateConfig(&c, &defaultTwelveDataConfig); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, TwelveDataFeed, err)
	}

	idx, err := newSymbolIndex(c.Symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, TwelveDataFeed, err)
	}

	return &TwelveData{
		config:   c,
		symbols:  idx,
		validate: validator.New(),
		logger:   log.With().Str("feed", TwelveDataFeed).Str("component", "parser").Logger(),
	}, nil
}

func (td *TwelveData) ID() string { return TwelveDataFeed }

func (td *TwelveData) URL() string {
	return withQuery(td.config.Endpoint, "apikey", td.config.APIKey)
}

func (td *TwelveData) Instruments() []string {
	return append([]string(nil), td.symbols.instruments...)
}

func (td *TwelveData) SubscriptionMessages() ([][]byte, error) {
	var sub tdSubscription
	sub.Action = "subscribe"
	sub.Params.Symbols = strings.Join(td.symbols.symbolsFor(td.config.Symbols), ",")

	msg, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Parse converts one Twelve Data frame into at most one tick. Subscription
// acknowledgements and heartbeats yield nothing.
func (td *TwelveData) Parse(raw []byte) ([]model.Tick, error) {
	var ev tdEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid twelvedata JSON: %w", err)
	}

	if err := td.validate.Struct(&ev); err != nil {
		return nil, fmt.Errorf("twelvedata event validation failed: %w", err)
	}

	switch ev.Event {
	case tdEventPrice:
	case tdEventSubscribeStatus:
		td.logger.Info().
			Str("status", ev.Status).
			Int("accepted", len(ev.Success)).
			Int("rejected", len(ev.Fails)).
			Msg("subscribe status")
		return nil, nil
	case tdEventHeartbeat:
		return nil, nil
	default:
		if ev.Status != "" {
			td.logger.Info().Str("status", ev.Status).Str("message", ev.Message).Msg("status frame")
		} else {
			td.logger.Debug().Str("event", ev.Event).Msg("unhandled event")
		}
		return nil, nil
	}

	instrument, ok := td.symbols.lookup(ev.Symbol)
	if !ok {
		td.logger.Debug().Str("symbol", ev.Symbol).Msg("unknown symbol")
		return nil, nil
	}

	tick, err := model.NewTick(TwelveDataFeed, instrument, ev.Bid, ev.Ask, observedAt(ev.Timestamp, time.Second))
	if errors.Is(err, model.ErrNoQuote) {
		td.logger.Debug().Str("symbol", ev.Symbol).Msg("price event without bid or ask")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("twelvedata %s: %w", ev.Symbol, err)
	}
	return []model.Tick{tick}, nil
}
