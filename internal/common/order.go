package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus int

const (
	// Pending orders have been sent but not yet acknowledged by the exchange.
	Pending OrderStatus = iota
	Open
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

var orderStatusNames = map[OrderStatus]string{
	Pending:         "pending",
	Open:            "open",
	PartiallyFilled: "partially_filled",
	Filled:          "filled",
	Cancelled:       "cancelled",
	Rejected:        "rejected",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", int(s))
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

type Order struct {
	ID            string          // Exchange assigned id, empty until acknowledged
	CorrelationID string          // Client assigned id, sent as the order label
	Instrument    string          // Exchange symbol
	Side          Side            // Order side
	Price         decimal.Decimal // Limit price
	Amount        decimal.Decimal // Total amount requested
	Remaining     decimal.Decimal // Amount still working
	Filled        decimal.Decimal // Amount executed so far
	Status        OrderStatus     //
	RejectReason  string          // Set when the exchange refuses the order
	Created       time.Time       // Time the order was submitted
	Updated       time.Time       // Time of the last state change
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:            %s
CorrelationID: %s
Instrument:    %s
Side:          %v
Price:         %s
Amount:        %s (Remaining: %s, Filled: %s)
Status:        %v
Created:       %v
Updated:       %v`,
		order.ID,
		order.CorrelationID,
		order.Instrument,
		order.Side,
		order.Price,
		order.Amount,
		order.Remaining,
		order.Filled,
		order.Status,
		order.Created.Format(time.RFC3339),
		order.Updated.Format(time.RFC3339),
	)
}
