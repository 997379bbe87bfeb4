// Package feed provides the upstream quote providers: EODHD, Twelve Data and
// Polygon (Massive). Each provider knows its endpoint, its subscription
// handshake and how to turn its frames into normalized ticks.
//
// This file contains the shared configuration, validation and symbol mapping
// used by every provider.
package feed

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"pricefeed/internal/utils"
	"pricefeed/internal/websocket"
)

var (
	// ErrInvalidConfig indicates that a provider Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownFeed is returned by New for an unrecognised feed identifier.
	ErrUnknownFeed = errors.New("unknown feed")
)

// Feed identifiers.
const (
	EODHDFeed      = "eodhd"
	TwelveDataFeed = "twelvedata"
	PolygonFeed    = "polygon"
)

// Config provides the connection parameters of one provider.
type Config struct {
	// Endpoint is the provider's WebSocket URL, without credentials.
	Endpoint string

	// APIKey authenticates against the provider. Required.
	APIKey string

	// Symbols maps internal instrument names to the provider's symbols,
	// e.g. "gold" -> "XAUUSD".
	Symbols map[string]string
}

// Provider is one upstream quote source.
type Provider interface {
	websocket.Parser

	// ID returns the feed identifier.
	ID() string

	// URL returns the dial URL, including credentials where the provider
	// expects them in the query string.
	URL() string

	// SubscriptionMessages returns the frames to send, in order, after
	// every successful dial.
	SubscriptionMessages() ([][]byte, error)

	// Instruments returns the instruments this provider delivers natively.
	Instruments() []string
}

// New builds the provider registered under id.
func New(id string, cfg *Config) (Provider, error) {
	switch id {
	case EODHDFeed:
		return NewEODHD(cfg)
	case TwelveDataFeed:
		return NewTwelveData(cfg)
	case PolygonFeed:
		return NewPolygon(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, id)
	}
}

// Connect creates the self-healing connection for p. Lifecycle settings are
// taken from base; identity, endpoint, parser and handshake come from p.
func Connect(p Provider, base websocket.Config) (*websocket.Connection, error) {
	subs, err := p.SubscriptionMessages()
	if err != nil {
		return nil, fmt.Errorf("%s: build subscription: %w", p.ID(), err)
	}

	base.FeedID = p.ID()
	base.Endpoint = p.URL()
	base.Parser = p
	base.SubscriptionMessages = subs

	conn, err := websocket.NewConnection(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, p.ID(), err)
	}
	return conn, nil
}

// validateConfig ensures all required configuration fields are present and valid,
// applying defaults for optional fields when possible.
func validateConfig(cfg *Config, defaultCfg *Config) error {
	// Apply defaults for optional fields
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultCfg.Endpoint
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = defaultCfg.Symbols
	}

	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid endpoint scheme %q: expected ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("invalid endpoint: missing host")
	}

	if len(cfg.Symbols) == 0 {
		return errors.New("at least one symbol mapping is required")
	}

	// All validations passed
	return nil
}

// withQuery returns endpoint with key=value added to its query string.
func withQuery(endpoint, key, value string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// symbolIndex resolves provider symbols back to instruments.
type symbolIndex struct {
	toInstrument map[string]string
	instruments  []string // sorted
}

func newSymbolIndex(symbols map[string]string) (symbolIndex, error) {
	idx := symbolIndex{toInstrument: make(map[string]string, len(symbols))}

	for instrument, symbol := range symbols {
		if err := utils.ValidateInstrument(instrument); err != nil {
			return symbolIndex{}, err
		}
		if symbol == "" {
			return symbolIndex{}, fmt.Errorf("empty provider symbol for %s", instrument)
		}
		if other, dup := idx.toInstrument[symbol]; dup {
			return symbolIndex{}, fmt.Errorf("symbol %s mapped to both %s and %s", symbol, other, instrument)
		}
		idx.toInstrument[symbol] = instrument
		idx.instruments = append(idx.instruments, instrument)
	}
	sort.Strings(idx.instruments)

	return idx, nil
}

// lookup returns the instrument for a provider symbol.
func (s symbolIndex) lookup(symbol string) (string, bool) {
	instrument, ok := s.toInstrument[symbol]
	return instrument, ok
}

// symbolsFor returns the provider symbols in instrument order.
func (s symbolIndex) symbolsFor(symbols map[string]string) []string {
	out := make([]string, 0, len(s.instruments))
	for _, instrument := range s.instruments {
		out = append(out, symbols[instrument])
	}
	return out
}

// observedAt converts a provider timestamp, falling back to receive time
// when the provider omitted it.
func observedAt(ts int64, unit time.Duration) time.Time {
	if ts <= 0 {
		return time.Now()
	}
	if unit == time.Millisecond {
		return time.UnixMilli(ts)
	}
	return time.Unix(ts, 0)
}
