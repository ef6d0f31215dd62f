package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// ParseSide accepts the exchange's "buy"/"sell" direction strings.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return Buy, fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, s)
}

// PriceLevel is a single aggregated level of a book. A zero size on an
// incoming update removes the level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (l PriceLevel) String() string {
	return fmt.Sprintf("%s@%s", l.Size, l.Price)
}

// OrderBook is a point-in-time copy of one instrument's book. Bids are
// sorted best (highest) first, asks best (lowest) first.
type OrderBook struct {
	Instrument string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Sequence   uint64
	Timestamp  time.Time
	// Stale is set while the local replica is known to be out of date:
	// after a sequence gap until the next snapshot, or after a disconnect
	// until the instrument is resubscribed.
	Stale bool
}

func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}
