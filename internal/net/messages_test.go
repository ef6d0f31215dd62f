package net

import (
	"encoding/json"
	"errors"
	"testing"

	"hugin/internal/common"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func level(price, size int64) common.PriceLevel {
	return common.PriceLevel{Price: decimal.NewFromInt(price), Size: decimal.NewFromInt(size)}
}

func assertLevels(t *testing.T, expected, actual []common.PriceLevel) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		assert.True(t, expected[i].Price.Equal(actual[i].Price), "price %d: %s != %s", i, expected[i].Price, actual[i].Price)
		assert.True(t, expected[i].Size.Equal(actual[i].Size), "size %d: %s != %s", i, expected[i].Size, actual[i].Size)
	}
}

func TestEncodeRequest(t *testing.T) {
	params := NewLimitOrderParams("BTC-PERPETUAL", decimal.RequireFromString("100.5"), decimal.NewFromInt(10), "corr-1")
	frame, err := EncodeRequest(7, MethodBuy, params)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"id": 7,
		"method": "private/buy",
		"params": {"instrument_name": "BTC-PERPETUAL", "amount": 10, "price": 100.5, "type": "limit", "label": "corr-1"}
	}`, string(frame))
}

func TestParseMessage_Response(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":3,"result":["book.BTC-PERPETUAL.100ms"],"usIn":1,"usOut":2}`))
	require.NoError(t, err)
	assert.Equal(t, Response, msg.Type)
	assert.Equal(t, uint64(3), msg.ID)
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, `["book.BTC-PERPETUAL.100ms"]`, string(msg.Result))
}

func TestParseMessage_ErrorResponse(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":9,"error":{"code":10004,"message":"order_not_found"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.True(t, errors.Is(msg.Error, common.ErrUnknownOrder))
	assert.Contains(t, msg.Error.Error(), "order_not_found")
}

func TestParseMessage_Notification(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"user.trades.BTC-PERPETUAL.raw","data":[{"trade_id":"T1"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, Notification, msg.Type)
	assert.Equal(t, "user.trades.BTC-PERPETUAL.raw", msg.Channel)
	assert.JSONEq(t, `[{"trade_id":"T1"}]`, string(msg.Data))
}

func TestParseMessage_Malformed(t *testing.T) {
	frames := []string{
		`{`,
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","method":"subscription","params":{"data":{}}}`,
		`{"jsonrpc":"2.0","method":"surprise","params":{}}`,
	}
	for _, frame := range frames {
		_, err := ParseMessage([]byte(frame))
		assert.True(t, errors.Is(err, common.ErrProtocol), frame)
	}
}

func TestDecodeBook_Snapshot(t *testing.T) {
	update, err := DecodeBook(json.RawMessage(`{
		"type": "snapshot",
		"timestamp": 1700000000000,
		"instrument_name": "BTC-PERPETUAL",
		"change_id": 1,
		"bids": [["new", 100, 2], ["new", 99, 1]],
		"asks": [[101, 3]]
	}`))
	require.NoError(t, err)
	assert.True(t, update.Snapshot)
	assert.False(t, update.HasPrev)
	assert.Equal(t, "BTC-PERPETUAL", update.Instrument)
	assert.Equal(t, uint64(1), update.Sequence)
	assertLevels(t, []common.PriceLevel{level(100, 2), level(99, 1)}, update.Bids)
	assertLevels(t, []common.PriceLevel{level(101, 3)}, update.Asks)
}

func TestDecodeBook_Change(t *testing.T) {
	update, err := DecodeBook(json.RawMessage(`{
		"type": "change",
		"instrument_name": "BTC-PERPETUAL",
		"change_id": 12,
		"prev_change_id": 9,
		"bids": [["delete", 100, 0], ["change", 98, 4]],
		"asks": []
	}`))
	require.NoError(t, err)
	assert.False(t, update.Snapshot)
	assert.True(t, update.HasPrev)
	assert.Equal(t, uint64(9), update.PrevSequence)
	assert.Equal(t, uint64(12), update.Sequence)
	assertLevels(t, []common.PriceLevel{level(100, 0), level(98, 4)}, update.Bids)
	assert.Empty(t, update.Asks)
}

func TestDecodeBook_SeqField(t *testing.T) {
	update, err := DecodeBook(json.RawMessage(`{"type":"delta","instrument_name":"ETH-PERPETUAL","seq":2,"bids":[[100,0]]}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), update.Sequence)
	assertLevels(t, []common.PriceLevel{level(100, 0)}, update.Bids)
}

func TestDecodeBook_Invalid(t *testing.T) {
	payloads := []string{
		`{"type":"bogus"}`,
		`{"type":"snapshot","bids":[[100]]}`,
		`{"type":"snapshot","bids":[["move",100,1]]}`,
		`{"type":"snapshot","asks":[[-1,1]]}`,
		`[]`,
	}
	for _, payload := range payloads {
		_, err := DecodeBook(json.RawMessage(payload))
		assert.True(t, errors.Is(err, common.ErrProtocol), payload)
	}
}

func TestDecodeOrders_OneOrMany(t *testing.T) {
	one, err := DecodeOrders(json.RawMessage(`{"order_id":"EX1","order_state":"open","amount":10,"filled_amount":0}`))
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "EX1", one[0].OrderID)

	many, err := DecodeOrders(json.RawMessage(`[{"order_id":"EX1"},{"order_id":"EX2","filled_amount":"2.5"}]`))
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.True(t, many[1].FilledAmount.Equal(decimal.RequireFromString("2.5")))

	_, err = DecodeTrades(json.RawMessage(``))
	assert.True(t, errors.Is(err, common.ErrProtocol))
}

func TestTradeData_Trade(t *testing.T) {
	trades, err := DecodeTrades(json.RawMessage(`[{"trade_id":"T1","order_id":"EX1","instrument_name":"BTC-PERPETUAL","direction":"sell","price":101,"amount":3,"timestamp":1700000000000}]`))
	require.NoError(t, err)
	trade := trades[0].Trade()
	assert.Equal(t, common.Sell, trade.Side)
	assert.True(t, trade.Amount.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(1700000000000), trade.Timestamp.UnixMilli())
}
