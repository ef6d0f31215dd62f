package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hugin/internal/common"
	"hugin/internal/dispatch"
	"hugin/internal/metrics"
	"hugin/internal/net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func OrdersChannel(instrument string) string {
	return fmt.Sprintf("user.orders.%s.raw", instrument)
}

func TradesChannel(instrument string) string {
	return fmt.Sprintf("user.trades.%s.raw", instrument)
}

// Ticket identifies a submitted request. CorrelationID names the order it
// concerns; Call completes with the exchange's answer.
type Ticket struct {
	CorrelationID string
	Call          *dispatch.Call
}

type tracked struct {
	order common.Order

	// Fills counted from individual trades and the cumulative amount the
	// exchange last reported. The order's Filled is the larger of the two.
	traded   decimal.Decimal
	reported decimal.Decimal
}

// Manager owns every order placed in this session.
type Manager struct {
	log    zerolog.Logger
	caller dispatch.Caller
	now    func() time.Time
	newID  func() string

	mu         sync.RWMutex
	orders     map[string]*tracked // by correlation id
	byExchange map[string]string   // exchange id -> correlation id
	trades     map[string]struct{} // trade ids already counted
	observer   func(common.Order)
}

func NewManager(caller dispatch.Caller, logger zerolog.Logger) *Manager {
	return &Manager{
		log:        logger.With().Str("component", "orders").Logger(),
		caller:     caller,
		now:        time.Now,
		newID:      uuid.NewString,
		orders:     make(map[string]*tracked),
		byExchange: make(map[string]string),
		trades:     make(map[string]struct{}),
	}
}

// SetObserver registers fn to receive a copy of an order after every state
// change. fn runs on the goroutine that caused the change.
func (m *Manager) SetObserver(fn func(common.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Subscribe requests the private order and trade channels of instrument.
func (m *Manager) Subscribe(instrument string) (*dispatch.Call, error) {
	if instrument == "" {
		return nil, fmt.Errorf("%w: empty instrument", common.ErrInvalidArgument)
	}
	channels := []string{OrdersChannel(instrument), TradesChannel(instrument)}
	return m.caller.Call(net.MethodPrivateSubscribe, net.ChannelParams{Channels: channels}, func(c *dispatch.Call) {
		if err := c.Err(); err != nil {
			m.log.Error().Err(err).Str("instrument", instrument).Msg("order channel subscribe failed")
			return
		}
		m.log.Info().Strs("channels", channels).Msg("subscribed")
	})
}

// ValidateOrder rejects an order the exchange could never accept.
func ValidateOrder(instrument string, price, amount decimal.Decimal, side common.Side) error {
	switch {
	case instrument == "":
		return fmt.Errorf("%w: empty instrument", common.ErrInvalidArgument)
	case price.Sign() <= 0:
		return fmt.Errorf("%w: price %s must be positive", common.ErrInvalidArgument, price)
	case amount.Sign() <= 0:
		return fmt.Errorf("%w: amount %s must be positive", common.ErrInvalidArgument, amount)
	case side != common.Buy && side != common.Sell:
		return fmt.Errorf("%w: side %v", common.ErrInvalidArgument, side)
	}
	return nil
}

// PlaceOrder records a Pending limit order and sends it. It returns as soon
// as the request is queued.
func (m *Manager) PlaceOrder(instrument string, price, amount decimal.Decimal, side common.Side) (Ticket, error) {
	if err := ValidateOrder(instrument, price, amount, side); err != nil {
		return Ticket{}, err
	}

	now := m.now()
	correlationID := m.newID()
	t := &tracked{order: common.Order{
		CorrelationID: correlationID,
		Instrument:    instrument,
		Side:          side,
		Price:         price,
		Amount:        amount,
		Remaining:     amount,
		Filled:        decimal.Zero,
		Status:        common.Pending,
		Created:       now,
		Updated:       now,
	}}

	method := net.MethodBuy
	if side == common.Sell {
		method = net.MethodSell
	}

	m.mu.Lock()
	m.orders[correlationID] = t
	call, err := m.caller.Call(method, net.NewLimitOrderParams(instrument, price, amount, correlationID), func(c *dispatch.Call) {
		m.onPlaced(correlationID, c)
	})
	if err != nil {
		delete(m.orders, correlationID)
		m.mu.Unlock()
		return Ticket{}, err
	}
	m.mu.Unlock()

	metrics.OrdersSubmittedTotal.Inc()
	m.log.Info().
		Str("correlation_id", correlationID).
		Str("instrument", instrument).
		Stringer("side", side).
		Stringer("price", price).
		Stringer("amount", amount).
		Uint64("id", call.ID).
		Msg("order submitted")
	return Ticket{CorrelationID: correlationID, Call: call}, nil
}

func (m *Manager) onPlaced(correlationID string, call *dispatch.Call) {
	if err := call.Err(); err != nil {
		var rpcErr *net.RPCError
		if errors.As(err, &rpcErr) {
			m.ack(correlationID, "", false, rpcErr.Message)
			return
		}
		// Timeouts and lost connections say nothing about the order.
		m.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("order outcome unknown")
		return
	}

	var resp net.OrderResponse
	if err := call.Decode(&resp); err != nil || resp.Order.OrderID == "" {
		m.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("unreadable order acknowledgement")
		return
	}
	m.ack(correlationID, resp.Order.OrderID, true, "")
	m.OnOrderEvent(resp.Order)
	for _, trade := range resp.Trades {
		m.OnTrade(trade.Trade())
	}
}

// OnAck settles a Pending order: Open with its exchange id when accepted,
// Rejected otherwise.
func (m *Manager) OnAck(correlationID, exchangeOrderID string, accepted bool) {
	m.ack(correlationID, exchangeOrderID, accepted, "")
}

func (m *Manager) ack(correlationID, exchangeOrderID string, accepted bool, reason string) {
	m.mu.Lock()
	t, ok := m.orders[correlationID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn().Str("correlation_id", correlationID).Msg("ack for unknown order")
		return
	}
	if t.order.Status.Terminal() {
		m.mu.Unlock()
		m.log.Debug().Str("correlation_id", correlationID).Stringer("status", t.order.Status).Msg("ack for terminal order")
		return
	}

	changed := false
	if accepted && exchangeOrderID != "" && t.order.ID == "" {
		m.adopt(t, exchangeOrderID)
		changed = true
	}
	if t.order.Status == common.Pending {
		if accepted {
			m.transition(t, common.Open)
		} else {
			t.order.RejectReason = reason
			m.transition(t, common.Rejected)
		}
		changed = true
	}
	m.unlockAndEmit(t, changed)
}

// OnFill counts amount against the order. Fills for orders this session
// does not know are logged and ignored.
func (m *Manager) OnFill(exchangeOrderID string, amount decimal.Decimal) {
	m.mu.Lock()
	t := m.lookup(exchangeOrderID, "")
	if t == nil {
		m.mu.Unlock()
		metrics.UnknownOrderEventsTotal.Inc()
		m.log.Debug().Str("order_id", exchangeOrderID).Msg("fill for unknown order")
		return
	}
	changed := m.fill(t, amount)
	m.unlockAndEmit(t, changed)
}

// OnTrade is OnFill for a trade report; a trade id is only counted once.
func (m *Manager) OnTrade(trade common.Trade) {
	m.mu.Lock()
	if trade.TradeID != "" {
		if _, seen := m.trades[trade.TradeID]; seen {
			m.mu.Unlock()
			return
		}
	}
	t := m.lookup(trade.OrderID, trade.Label)
	if t == nil {
		m.mu.Unlock()
		metrics.UnknownOrderEventsTotal.Inc()
		m.log.Debug().Str("order_id", trade.OrderID).Str("trade_id", trade.TradeID).Msg("trade for unknown order")
		return
	}
	if trade.TradeID != "" {
		m.trades[trade.TradeID] = struct{}{}
	}
	if t.order.ID == "" && trade.OrderID != "" {
		m.adopt(t, trade.OrderID)
	}
	changed := m.fill(t, trade.Amount)
	m.unlockAndEmit(t, changed)
}

func (m *Manager) fill(t *tracked, amount decimal.Decimal) bool {
	if t.order.Status.Terminal() || amount.Sign() <= 0 {
		return false
	}
	t.traded = t.traded.Add(amount)
	return m.settleFilled(t)
}

// settleFilled recomputes Filled and Remaining and moves the status along.
func (m *Manager) settleFilled(t *tracked) bool {
	filled := decimal.Max(t.traded, t.reported)
	if filled.GreaterThan(t.order.Amount) {
		filled = t.order.Amount
	}
	if filled.Equal(t.order.Filled) {
		return false
	}
	t.order.Filled = filled
	t.order.Remaining = t.order.Amount.Sub(filled)

	if t.order.Remaining.Sign() == 0 {
		m.transition(t, common.Filled)
	} else if filled.Sign() > 0 {
		m.transition(t, common.PartiallyFilled)
	}
	t.order.Updated = m.now()
	return true
}

// OnCancelAck marks the order Cancelled unless it already finished.
func (m *Manager) OnCancelAck(exchangeOrderID string) {
	m.mu.Lock()
	t := m.lookup(exchangeOrderID, "")
	if t == nil {
		m.mu.Unlock()
		metrics.UnknownOrderEventsTotal.Inc()
		m.log.Debug().Str("order_id", exchangeOrderID).Msg("cancel ack for unknown order")
		return
	}
	changed := false
	if !t.order.Status.Terminal() {
		m.transition(t, common.Cancelled)
		changed = true
	}
	m.unlockAndEmit(t, changed)
}

// OnOrderEvent reconciles an order state reported by the exchange. An event
// carrying the label of a Pending order hands it its exchange id.
func (m *Manager) OnOrderEvent(data net.OrderData) {
	m.mu.Lock()
	t := m.lookup(data.OrderID, data.Label)
	if t == nil {
		m.mu.Unlock()
		metrics.UnknownOrderEventsTotal.Inc()
		m.log.Debug().Str("order_id", data.OrderID).Str("label", data.Label).Msg("event for unknown order")
		return
	}
	if t.order.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	changed := false
	if t.order.ID == "" && data.OrderID != "" {
		m.adopt(t, data.OrderID)
		changed = true
	}

	var final common.OrderStatus
	switch data.OrderState {
	case "open":
		if t.order.Status == common.Pending {
			m.transition(t, common.Open)
			changed = true
		}
	case "filled":
		t.reported = t.order.Amount
	case "cancelled":
		final = common.Cancelled
	case "rejected":
		t.order.RejectReason = data.CancelReason
		final = common.Rejected
	}
	if data.FilledAmount.GreaterThan(t.reported) {
		t.reported = data.FilledAmount
	}
	if m.settleFilled(t) {
		changed = true
	}
	// Terminal states land after the fill is settled so a partially filled
	// order that gets cancelled keeps its filled amount.
	if final.Terminal() && !t.order.Status.Terminal() {
		m.transition(t, final)
		changed = true
	}
	m.mu.Unlock()
	m.emitIf(t, changed)
}

// CancelOrder asks the exchange to cancel the order known by id, which may
// be its exchange id or its correlation id.
func (m *Manager) CancelOrder(id string) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.lookup(id, id)
	if t == nil || t.order.Status.Terminal() {
		return Ticket{}, fmt.Errorf("%w: %s", common.ErrUnknownOrder, id)
	}
	if t.order.ID == "" {
		return Ticket{}, fmt.Errorf("%w: order %s not acknowledged yet", common.ErrInvalidArgument, id)
	}

	exchangeOrderID := t.order.ID
	call, err := m.caller.Call(net.MethodCancel, net.CancelParams{OrderID: exchangeOrderID}, func(c *dispatch.Call) {
		m.onCancelled(exchangeOrderID, c)
	})
	if err != nil {
		return Ticket{}, err
	}
	m.log.Info().Str("order_id", exchangeOrderID).Uint64("id", call.ID).Msg("cancel submitted")
	return Ticket{CorrelationID: t.order.CorrelationID, Call: call}, nil
}

func (m *Manager) onCancelled(exchangeOrderID string, call *dispatch.Call) {
	if err := call.Err(); err != nil {
		m.log.Warn().Err(err).Str("order_id", exchangeOrderID).Msg("cancel failed")
		return
	}
	var data net.OrderData
	if err := call.Decode(&data); err == nil && data.OrderState != "" && data.OrderState != "cancelled" {
		m.OnOrderEvent(data)
		return
	}
	m.OnCancelAck(exchangeOrderID)
}

// HandleNotification is the dispatcher route for the private order and
// trade channels.
func (m *Manager) HandleNotification(channel string, data json.RawMessage) {
	switch {
	case strings.HasPrefix(channel, "user.trades."):
		trades, err := net.DecodeTrades(data)
		if err != nil {
			metrics.ProtocolErrorsTotal.Inc()
			m.log.Warn().Err(err).Str("channel", channel).Msg("dropping trades")
			return
		}
		for _, trade := range trades {
			m.OnTrade(trade.Trade())
		}
	case strings.HasPrefix(channel, "user.orders."):
		orders, err := net.DecodeOrders(data)
		if err != nil {
			metrics.ProtocolErrorsTotal.Inc()
			m.log.Warn().Err(err).Str("channel", channel).Msg("dropping order events")
			return
		}
		for _, order := range orders {
			m.OnOrderEvent(order)
		}
	default:
		m.log.Debug().Str("channel", channel).Msg("unhandled channel")
	}
}

// Order returns a copy of the order known by exchange or correlation id.
func (m *Manager) Order(id string) (common.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.lookup(id, id)
	if t == nil {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrUnknownOrder, id)
	}
	return t.order, nil
}

// Orders returns a copy of every order, oldest first.
func (m *Manager) Orders() []common.Order {
	m.mu.RLock()
	out := make([]common.Order, 0, len(m.orders))
	for _, t := range m.orders {
		out = append(out, t.order)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// lookup finds an order by exchange id, falling back to the correlation id
// carried as label. Callers hold m.mu.
func (m *Manager) lookup(exchangeOrderID, label string) *tracked {
	if exchangeOrderID != "" {
		if correlationID, ok := m.byExchange[exchangeOrderID]; ok {
			return m.orders[correlationID]
		}
	}
	if label != "" {
		return m.orders[label]
	}
	return nil
}

func (m *Manager) adopt(t *tracked, exchangeOrderID string) {
	t.order.ID = exchangeOrderID
	m.byExchange[exchangeOrderID] = t.order.CorrelationID
}

func (m *Manager) transition(t *tracked, status common.OrderStatus) {
	if t.order.Status == status {
		return
	}
	m.log.Info().
		Str("correlation_id", t.order.CorrelationID).
		Str("order_id", t.order.ID).
		Stringer("from", t.order.Status).
		Stringer("to", status).
		Msg("order transition")
	t.order.Status = status
	t.order.Updated = m.now()
	metrics.OrderTransitionsTotal.WithLabelValues(status.String()).Inc()
}

func (m *Manager) unlockAndEmit(t *tracked, changed bool) {
	m.mu.Unlock()
	m.emitIf(t, changed)
}

func (m *Manager) emitIf(t *tracked, changed bool) {
	if !changed {
		return
	}
	m.mu.RLock()
	observer, order := m.observer, t.order
	m.mu.RUnlock()
	if observer != nil {
		observer(order)
	}
}
