package net

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"hugin/internal/common"

	"github.com/shopspring/decimal"
)

const Version = "2.0"

// Outbound methods.
const (
	MethodAuth             = "public/auth"
	MethodSubscribe        = "public/subscribe"
	MethodUnsubscribe      = "public/unsubscribe"
	MethodPrivateSubscribe = "private/subscribe"
	MethodBuy              = "private/buy"
	MethodSell             = "private/sell"
	MethodCancel           = "private/cancel"
	MethodSetHeartbeat     = "public/set_heartbeat"
	MethodTest             = "public/test"
)

// Inbound notification methods.
const (
	MethodSubscription = "subscription"
	MethodHeartbeat    = "heartbeat"
)

type MessageType int

const (
	Response MessageType = iota
	Notification
	Heartbeat
)

func (t MessageType) String() string {
	switch t {
	case Response:
		return "response"
	case Notification:
		return "notification"
	case Heartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Request is the JSON-RPC envelope for every outbound call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	return json.Marshal(Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
}

// RPCError is the error object of a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// Unwrap maps well known exchange error codes onto the shared failure
// classes so callers can use errors.Is on responses.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case 13004, 13009, 13021:
		return common.ErrAuth
	case 10004, 11044:
		return common.ErrUnknownOrder
	case -32602, 11029:
		return common.ErrInvalidArgument
	case -32600, -32601, -32700:
		return common.ErrProtocol
	}
	return nil
}

// Message is a parsed inbound frame.
type Message struct {
	Type MessageType

	// Responses.
	ID     uint64
	Result json.RawMessage
	Error  *RPCError

	// Notifications and heartbeats.
	Method  string
	Channel string
	Data    json.RawMessage

	// HeartbeatType is "test_request" when the exchange expects a public/test call.
	HeartbeatType string
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type subscriptionParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type heartbeatParams struct {
	Type string `json:"type"`
}

// ParseMessage classifies a text frame. Every failure wraps ErrProtocol.
func ParseMessage(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", common.ErrProtocol, err)
	}

	switch env.Method {
	case MethodSubscription:
		var params subscriptionParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return Message{}, fmt.Errorf("%w: subscription params: %v", common.ErrProtocol, err)
		}
		if params.Channel == "" {
			return Message{}, fmt.Errorf("%w: subscription without channel", common.ErrProtocol)
		}
		return Message{
			Type:    Notification,
			Method:  env.Method,
			Channel: params.Channel,
			Data:    params.Data,
		}, nil
	case MethodHeartbeat:
		var params heartbeatParams
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &params); err != nil {
				return Message{}, fmt.Errorf("%w: heartbeat params: %v", common.ErrProtocol, err)
			}
		}
		return Message{Type: Heartbeat, Method: env.Method, HeartbeatType: params.Type}, nil
	case "":
	default:
		return Message{}, fmt.Errorf("%w: unexpected method %q", common.ErrProtocol, env.Method)
	}

	if env.ID == nil && env.Error == nil {
		return Message{}, fmt.Errorf("%w: frame is neither a response nor a notification", common.ErrProtocol)
	}
	msg := Message{Type: Response, Result: env.Result, Error: env.Error}
	if env.ID != nil {
		msg.ID = *env.ID
	}
	return msg, nil
}

// ---- Request parameters ----

type AuthParams struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

type ChannelParams struct {
	Channels []string `json:"channels"`
}

type OrderParams struct {
	InstrumentName string      `json:"instrument_name"`
	Amount         json.Number `json:"amount"`
	Price          json.Number `json:"price"`
	Type           string      `json:"type"`
	Label          string      `json:"label,omitempty"`
}

// NewLimitOrderParams renders decimals as bare JSON numbers, which is what
// the order endpoints expect.
func NewLimitOrderParams(instrument string, price, amount decimal.Decimal, label string) OrderParams {
	return OrderParams{
		InstrumentName: instrument,
		Amount:         json.Number(amount.String()),
		Price:          json.Number(price.String()),
		Type:           "limit",
		Label:          label,
	}
}

type CancelParams struct {
	OrderID string `json:"order_id"`
}

type HeartbeatParams struct {
	Interval int `json:"interval"`
}

// ---- Response and notification payloads ----

type AuthResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

type OrderData struct {
	OrderID             string          `json:"order_id"`
	OrderState          string          `json:"order_state"`
	Label               string          `json:"label"`
	InstrumentName      string          `json:"instrument_name"`
	Direction           string          `json:"direction"`
	Price               decimal.Decimal `json:"price"`
	Amount              decimal.Decimal `json:"amount"`
	FilledAmount        decimal.Decimal `json:"filled_amount"`
	CancelReason        string          `json:"cancel_reason"`
	LastUpdateTimestamp int64           `json:"last_update_timestamp"`
}

type TradeData struct {
	TradeID        string          `json:"trade_id"`
	OrderID        string          `json:"order_id"`
	InstrumentName string          `json:"instrument_name"`
	Direction      string          `json:"direction"`
	Price          decimal.Decimal `json:"price"`
	Amount         decimal.Decimal `json:"amount"`
	Label          string          `json:"label"`
	Timestamp      int64           `json:"timestamp"`
}

func (t TradeData) Trade() common.Trade {
	side, _ := common.ParseSide(t.Direction)
	return common.Trade{
		TradeID:    t.TradeID,
		OrderID:    t.OrderID,
		Instrument: t.InstrumentName,
		Side:       side,
		Price:      t.Price,
		Amount:     t.Amount,
		Timestamp:  time.UnixMilli(t.Timestamp),
		Label:      t.Label,
	}
}

// OrderResponse is the result of private/buy and private/sell.
type OrderResponse struct {
	Order  OrderData   `json:"order"`
	Trades []TradeData `json:"trades"`
}

// DecodeOrders accepts either a single order object or a list of them;
// raw and aggregated order channels differ in that respect.
func DecodeOrders(data json.RawMessage) ([]OrderData, error) {
	var orders []OrderData
	if err := decodeOneOrMany(data, &orders); err != nil {
		return nil, fmt.Errorf("%w: orders: %v", common.ErrProtocol, err)
	}
	return orders, nil
}

func DecodeTrades(data json.RawMessage) ([]TradeData, error) {
	var trades []TradeData
	if err := decodeOneOrMany(data, &trades); err != nil {
		return nil, fmt.Errorf("%w: trades: %v", common.ErrProtocol, err)
	}
	return trades, nil
}

func decodeOneOrMany[T any](data json.RawMessage, out *[]T) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty payload")
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*out = append(*out, one)
	return nil
}
