package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hugin/internal/client"
	"hugin/internal/common"
	"hugin/internal/net"
	"hugin/internal/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchangeServer answers the handful of methods the client uses, over a
// real websocket.
func exchangeServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			var replies []string
			switch req.Method {
			case net.MethodAuth:
				replies = append(replies, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"access_token":"tok","expires_in":900,"scope":"connection"}}`, req.ID))
			case net.MethodSubscribe:
				var params net.ChannelParams
				_ = json.Unmarshal(req.Params, &params)
				channels, _ := json.Marshal(params.Channels)
				replies = append(replies, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, channels))
				for _, channel := range params.Channels {
					replies = append(replies, fmt.Sprintf(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":%q,"data":{"type":"snapshot","change_id":42,"bids":[[99.5,10]],"asks":[[100.5,4]]}}}`, channel))
				}
			case net.MethodBuy, net.MethodSell:
				var params net.OrderParams
				_ = json.Unmarshal(req.Params, &params)
				replies = append(replies, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"order":{"order_id":"EX-1","order_state":"open","label":%q,"instrument_name":%q,"amount":%s,"price":%s,"filled_amount":0},"trades":[]}}`,
					req.ID, params.Label, params.InstrumentName, params.Amount, params.Price))
			default:
				replies = append(replies, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"Method not found"}}`, req.ID))
			}

			for _, reply := range replies {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
					return
				}
			}
		}
	}))
}

func TestClient_AgainstWebsocketExchange(t *testing.T) {
	server := exchangeServer(t)
	defer server.Close()

	cfg := testConfig()
	cfg.Exchange.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	c, err := client.New(cfg, client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	login, err := c.Authenticate(session.Credentials{})
	require.NoError(t, err)
	require.NoError(t, login.Wait(ctx))
	assert.Equal(t, session.Authenticated, c.AuthState())
	assert.Equal(t, "tok", c.Token().AccessToken)

	sub, err := c.Subscribe(btc)
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx))
	require.Eventually(t, func() bool {
		snapshot, err := c.OrderBook(btc)
		return err == nil && !snapshot.Stale
	}, timeout, 5*time.Millisecond)

	snapshot, err := c.OrderBook(btc)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snapshot.Sequence)
	bid, ok := snapshot.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(dec("99.5")))

	ticket, err := c.PlaceOrder(btc, dec("99.5"), dec("10"), common.Buy)
	require.NoError(t, err)
	require.NoError(t, ticket.Call.Wait(ctx))
	order, err := c.Order("EX-1")
	require.NoError(t, err)
	assert.Equal(t, common.Open, order.Status)
	assert.Equal(t, ticket.CorrelationID, order.CorrelationID)

	require.NoError(t, c.Close())
	_, err = c.Subscribe(eth)
	assert.ErrorIs(t, err, common.ErrConnection)
}
