package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one execution against an order placed by this account.
type Trade struct {
	TradeID    string
	OrderID    string
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Timestamp  time.Time
	Label      string // Label of the order, the client correlation id
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`TradeID:    %s
OrderID:    %s
Instrument: %s
Side:       %v
Price:      %s
Amount:     %s
Timestamp:  %v`,
		t.TradeID,
		t.OrderID,
		t.Instrument,
		t.Side,
		t.Price,
		t.Amount,
		t.Timestamp.Format(time.RFC3339),
	)
}
