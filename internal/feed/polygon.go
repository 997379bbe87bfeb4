package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricefeed/internal/model"
	"pricefeed/internal/websocket"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	defaultPolygonConfig = Config{
		Endpoint: "wss://socket.polygon.io/forex",
		Symbols: map[string]string{
			"gold":      "XAU/USD",
			"silver":    "XAG/USD",
			"platinum":  "XPT/USD",
			"palladium": "XPD/USD",
			"usd_krw":   "USD/KRW",
			"jpy_krw":   "JPY/KRW",
			"cny_krw":   "CNY/KRW",
			"eur_krw":   "EUR/KRW",
			"hkd_krw":   "HKD/KRW",
		},
	}

	// ErrAuthFailed is reported when the provider rejects the API key. It
	// wraps websocket.ErrFatal, so the feed stops instead of reconnecting.
	ErrAuthFailed = fmt.Errorf("authentication failed: %w", websocket.ErrFatal)
)

const (
	polygonEventQuote  = "C"
	polygonEventStatus = "status"
)

// Polygon streams forex quotes from the Polygon (Massive) socket.
//
// The handshake is two frames: auth with the API key, then subscribe to the
// C.<pair> quote channels. Both are pipelined right after dial; the server
// processes them in order.
type Polygon struct {
	config   Config
	symbols  symbolIndex
	validate *validator.Validate
	logger   zerolog.Logger
}

type polygonAction struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// polygonEvent is one element of a frame. Frames are JSON arrays:
//
//	[{"ev":"status","status":"auth_success","message":"authenticated"}]
//	[{"ev":"C","p":"XAU/USD","x":48,"a":2050.5,"b":2050.0,"t":1706012096000}]
//
// In quote events "p" is the pair. Some relays send the pair as "pair"
// instead, in which case "p" may hold a last price and is ignored.
type polygonEvent struct {
	Event   string              `json:"ev" validate:"required"`
	Pair    string              `json:"pair"`
	P       json.RawMessage     `json:"p"`
	Ask     decimal.NullDecimal `json:"a"`
	Bid     decimal.NullDecimal `json:"b"`
	Time    int64               `json:"t" validate:"gte=0"`
	Status  string              `json:"status"`
	Message string              `json:"message"`
}

// NewPolygon creates the Polygon provider.
func NewPolygon(cfg *Config) (*Polygon, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if err := validateConfig(&c, &defaultPolygonConfig); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, PolygonFeed, err)
	}

	idx, err := newSymbolIndex(c.Symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, PolygonFeed, err)
	}

	return &Polygon{
		config:   c,
		symbols:  idx,
		validate: validator.New(),
		logger:   log.With().Str("feed", PolygonFeed).Str("component", "parser").Logger(),
	}, nil
}

func (p *Polygon) ID() string { return PolygonFeed }

func (p *Polygon) URL() string { return p.config.Endpoint }

func (p *Polygon) Instruments() []string {
	return append([]string(nil), p.symbols.instruments...)
}

func (p *Polygon) SubscriptionMessages() ([][]byte, error) {
	auth, err := json.Marshal(polygonAction{Action: "auth", Params: p.config.APIKey})
	if err != nil {
		return nil, err
	}

	symbols := p.symbols.symbolsFor(p.config.Symbols)
	channels := make([]string, len(symbols))
	for i, s := range symbols {
		channels[i] = polygonEventQuote + "." + s
	}
	sub, err := json.Marshal(polygonAction{Action: "subscribe", Params: strings.Join(channels, ",")})
	if err != nil {
		return nil, err
	}

	return [][]byte{auth, sub}, nil
}

// Parse converts one Polygon frame into zero or more ticks.
func (p *Polygon) Parse(raw []byte) ([]model.Tick, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		trimmed = append(append([]byte{'['}, trimmed...), ']')
	}

	var events []polygonEvent
	if err := json.Unmarshal(trimmed, &events); err != nil {
		return nil, fmt.Errorf("invalid polygon JSON: %w", err)
	}

	// A bad element is skipped so the rest of the frame survives. The frame
	// only fails when every element in it is bad.
	var (
		ticks    []model.Tick
		firstErr error
		failed   int
	)
	for i := range events {
		tick, ok, err := p.parseEvent(&events[i])
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			p.logger.Debug().Err(err).Int("index", i).Msg("skipping bad event")
			continue
		}
		if ok {
			ticks = append(ticks, tick)
		}
	}

	if failed > 0 && failed == len(events) {
		return nil, firstErr
	}
	if failed > 0 {
		p.logger.Warn().Err(firstErr).Int("failed", failed).Int("parsed", len(ticks)).Msg("partial polygon frame")
	}
	return ticks, nil
}

// parseEvent handles one array element. ok is false for events that carry
// no tick, such as status frames or unknown symbols.
func (p *Polygon) parseEvent(ev *polygonEvent) (model.Tick, bool, error) {
	if err := p.validate.Struct(ev); err != nil {
		return model.Tick{}, false, fmt.Errorf("polygon event validation failed: %w", err)
	}

	switch ev.Event {
	case polygonEventQuote:
	case polygonEventStatus:
		if ev.Status == "auth_failed" {
			return model.Tick{}, false, fmt.Errorf("%w: %s", ErrAuthFailed, ev.Message)
		}
		p.logger.Info().Str("status", ev.Status).Str("message", ev.Message).Msg("status frame")
		return model.Tick{}, false, nil
	default:
		p.logger.Debug().Str("event", ev.Event).Msg("unhandled event")
		return model.Tick{}, false, nil
	}

	pair := normalizePair(ev.pair())
	if pair == "" {
		return model.Tick{}, false, errors.New("polygon quote without pair")
	}

	instrument, ok := p.symbols.lookup(pair)
	if !ok {
		p.logger.Debug().Str("symbol", pair).Msg("unknown symbol")
		return model.Tick{}, false, nil
	}

	tick, err := model.NewTick(PolygonFeed, instrument, ev.Bid, ev.Ask, observedAt(ev.Time, time.Millisecond))
	if errors.Is(err, model.ErrNoQuote) {
		p.logger.Debug().Str("symbol", pair).Msg("quote without bid or ask")
		return model.Tick{}, false, nil
	}
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("polygon %s: %w", pair, err)
	}
	return tick, true, nil
}

// pair returns the currency pair of a quote event.
func (ev *polygonEvent) pair() string {
	if ev.Pair != "" {
		return ev.Pair
	}
	var s string
	if len(ev.P) > 0 && ev.P[0] == '"' {
		if err := json.Unmarshal(ev.P, &s); err == nil {
			return s
		}
	}
	return ""
}

// normalizePair converts "XAUUSD" to "XAU/USD"; slash pairs pass through.
func normalizePair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if len(pair) == 6 && !strings.Contains(pair, "/") {
		return pair[:3] + "/" + pair[3:]
	}
	return pair
}
