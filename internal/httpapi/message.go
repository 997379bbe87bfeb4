package httpapi

import (
	"time"

	"pricefeed/internal/model"

	"github.com/shopspring/decimal"
)

// PriceMessage is the wire form of one sample as seen by viewers. Decimals
// are rendered as strings and missing sides as null.
type PriceMessage struct {
	FeedID     string              `json:"feed_id"`
	Instrument string              `json:"instrument"`
	Price      decimal.Decimal     `json:"price"`
	Bid        decimal.NullDecimal `json:"bid"`
	Ask        decimal.NullDecimal `json:"ask"`
	Timestamp  string              `json:"timestamp"`
}

// NewPriceMessage renders a sample with its window end in zone.
func NewPriceMessage(s model.Sample, zone *time.Location) PriceMessage {
	return PriceMessage{
		FeedID:     s.FeedID,
		Instrument: s.Instrument,
		Price:      s.Price,
		Bid:        s.Bid,
		Ask:        s.Ask,
		Timestamp:  s.WindowEnd.In(zone).Format(time.RFC3339),
	}
}

// recordMessage renders a persisted record the same way.
func recordMessage(r model.PriceRecord, zone *time.Location) PriceMessage {
	return PriceMessage{
		FeedID:     r.FeedID,
		Instrument: r.Instrument,
		Price:      r.Price,
		Bid:        r.Bid,
		Ask:        r.Ask,
		Timestamp:  r.RecordedAt.In(zone).Format(time.RFC3339),
	}
}
