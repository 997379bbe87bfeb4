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
	// defaultEODHDConfig holds the public forex endpoint and the instruments
	// EODHD covers.
	defaultEODHDConfig = Config{
		Endpoint: "wss://ws.eodhistoricaldata.com/ws/forex",
		Symbols: map[string]string{
			"gold":    "XAUUSD",
			"silver":  "XAGUSD",
			"usd_krw": "USDKRW",
		},
	}
)

// EODHD streams forex and metal quotes from eodhistoricaldata.com.
//
// The API key travels in the api_token query parameter. After connecting the
// client sends a single subscription listing every symbol.
type EODHD struct {
	config   Config
	symbols  symbolIndex
	validate *validator.Validate
	logger   zerolog.Logger
}

// eodhdSubscription is the subscribe request.
//
//	{"action":"subscribe","symbols":"XAUUSD,XAGUSD"}
type eodhdSubscription struct {
	Action  string `json:"action"`
	Symbols string `json:"symbols"`
}

// eodhdQuote is one quote frame. Prices arrive as JSON numbers and the
// timestamp in Unix milliseconds.
//
//	{"s":"XAUUSD","a":2050.5,"b":2050.0,"dc":"0.12","dd":"2.4","ppms":false,"t":1706012096000}
//
// Status frames such as {"status_code":200,"message":"Authorized"} carry no
// symbol and are skipped.
type eodhdQuote struct {
	Symbol     string              `json:"s" validate:"required"`
	Ask        decimal.NullDecimal `json:"a"`
	Bid        decimal.NullDecimal `json:"b"`
	Time       int64               `json:"t" validate:"gte=0"`
	StatusCode *int                `json:"status_code"`
	Message    string              `json:"message"`
}

// NewEODHD creates the EODHD provider. A nil cfg is rejected because the
// API key has no default.
func NewEODHD(cfg *Config) (*EODHD, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if err := validateConfig(&c, &defaultEODHDConfig); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EODHDFeed, err)
	}

	idx, err := newSymbolIndex(c.Symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EODHDFeed, err)
	}

	return &EODHD{
		config:   c,
		symbols:  idx,
		validate: validator.New(),
		logger:   log.With().Str("feed", EODHDFeed).Str("component", "parser").Logger(),
	}, nil
}

func (e *EODHD) ID() string { return EODHDFeed }

func (e *EODHD) URL() string {
	return withQuery(e.config.Endpoint, "api_token", e.config.APIKey)
}

func (e *EODHD) Instruments() []string {
	return append([]string(nil), e.symbols.instruments...)
}

func (e *EODHD) SubscriptionMessages() ([][]byte, error) {
	msg, err := json.Marshal(eodhdSubscription{
		Action:  "subscribe",
		Symbols: strings.Join(e.symbols.symbolsFor(e.config.Symbols), ","),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Parse converts one EODHD frame into at most one tick.
func (e *EODHD) Parse(raw []byte) ([]model.Tick, error) {
	var q eodhdQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("invalid eodhd JSON: %w", err)
	}

	if q.Symbol == "" && (q.StatusCode != nil || q.Message != "") {
		e.logger.Info().Str("message", q.Message).Msg("status frame")
		return nil, nil
	}

	if err := e.validate.Struct(&q); err != nil {
		return nil, fmt.Errorf("eodhd quote validation failed: %w", err)
	}

	instrument, ok := e.symbols.lookup(q.Symbol)
	if !ok {
		e.logger.Debug().Str("symbol", q.Symbol).Msg("unknown symbol")
		return nil, nil
	}

	tick, err := model.NewTick(EODHDFeed, instrument, q.Bid, q.Ask, observedAt(q.Time, time.Millisecond))
	if errors.Is(err, model.ErrNoQuote) {
		e.logger.Debug().Str("symbol", q.Symbol).Msg("quote without bid or ask")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eodhd %s: %w", q.Symbol, err)
	}
	return []model.Tick{tick}, nil
}
