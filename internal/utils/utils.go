// Package utils provides common utility functions for input validation and
// process-wide logger setup.
//
// Instrument names are internal identifiers such as "gold" or "usd_krw"; they
// are decoupled from provider symbols, which live in feed configuration.
package utils

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Error definitions for validation functions
var (
	ErrNoInstruments      = errors.New("zero instruments requested")
	ErrTooManyInstruments = errors.New("too many instruments requested")
	ErrUnknownInstrument  = errors.New("unknown instrument")
)

// ValidateInstrument checks that an instrument name is a lowercase identifier
// made of letters, digits and underscores, starting with a letter.
func ValidateInstrument(name string) error {
	if name == "" {
		return errors.New("instrument cannot be empty")
	}

	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_'):
		default:
			return fmt.Errorf("invalid instrument %q: expected lowercase identifier", name)
		}
	}

	return nil
}

// ValidateInstruments validates a list of instrument names against the set of
// instruments the service knows about and enforces a quantity limit.
//
// A nil known set skips the membership check.
func ValidateInstruments(instruments []string, known map[string]struct{}, maxAllowed int) error {
	if len(instruments) == 0 {
		return ErrNoInstruments
	}

	if maxAllowed > 0 && len(instruments) > maxAllowed {
		return fmt.Errorf("%w: requested %d instruments, maximum allowed %d",
			ErrTooManyInstruments, len(instruments), maxAllowed)
	}

	for i, name := range instruments {
		if err := ValidateInstrument(name); err != nil {
			return fmt.Errorf("invalid instrument at index %d: %w", i, err)
		}
		if known != nil {
			if _, ok := known[name]; !ok {
				return fmt.Errorf("%w: %s (supported: %s)", ErrUnknownInstrument, name, joinSorted(known))
			}
		}
	}

	return nil
}

// SplitList splits a comma-separated query value, trimming blanks and
// dropping empty entries.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// joinSorted renders a set as a stable comma-separated list for error messages.
func joinSorted(set map[string]struct{}) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// ConfigureLogger sets up the global zerolog logger.
//
// Format "console" produces human-readable output on stderr; anything else
// emits JSON lines on stdout. Unknown levels fall back to info.
func ConfigureLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
