package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"hugin/internal/client"
	"hugin/internal/config"
	"hugin/internal/dispatch"
	"hugin/internal/net"
	"hugin/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

const (
	btc     = "BTC-PERPETUAL"
	eth     = "ETH-PERPETUAL"
	timeout = 2 * time.Second
)

type sentRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeTransport stands in for the websocket. Frames the client sends are
// recorded; the test pushes inbound frames and disconnects by hand.
type fakeTransport struct {
	mu       sync.Mutex
	listener net.Listener
	open     bool
	dialErr  error
	sent     []sentRequest
}

func (f *fakeTransport) Connect(_ context.Context, _ string, listener net.Listener) error {
	f.mu.Lock()
	if f.dialErr != nil {
		f.mu.Unlock()
		return f.dialErr
	}
	f.listener = listener
	f.open = true
	f.mu.Unlock()
	listener.OnOpen()
	return nil
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return net.ErrNotConnected
	}
	var req sentRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	listener, open := f.listener, f.open
	f.open = false
	f.mu.Unlock()
	if open {
		go listener.OnClose(nil)
	}
	return nil
}

// Drop simulates the peer going away.
func (f *fakeTransport) Drop(err error) {
	f.mu.Lock()
	listener := f.listener
	f.open = false
	f.mu.Unlock()
	listener.OnError(err)
	listener.OnClose(err)
}

func (f *fakeTransport) Deliver(frame string) {
	f.mu.Lock()
	listener := f.listener
	f.mu.Unlock()
	listener.OnMessage([]byte(frame))
}

func (f *fakeTransport) Respond(id uint64, result string) {
	f.Deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func (f *fakeTransport) RespondError(id uint64, code int, message string) {
	f.Deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message))
}

func (f *fakeTransport) Notify(channel, data string) {
	f.Deliver(fmt.Sprintf(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":%q,"data":%s}}`, channel, data))
}

func (f *fakeTransport) Sent() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

func (f *fakeTransport) Methods() []string {
	var methods []string
	for _, req := range f.Sent() {
		methods = append(methods, req.Method)
	}
	return methods
}

// Last waits until a request for method has been sent and returns the most
// recent one.
func (f *fakeTransport) Last(t *testing.T, method string) sentRequest {
	t.Helper()
	var found sentRequest
	require.Eventually(t, func() bool {
		for _, req := range f.Sent() {
			if req.Method == method {
				found = req
			}
		}
		return found.Method == method
	}, timeout, 5*time.Millisecond, "no %s request sent", method)
	return found
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Exchange.URL = "ws://exchange.test/ws/api/v2"
	cfg.Exchange.HeartbeatSeconds = 0
	cfg.Auth.ClientID = "client"
	cfg.Auth.ClientSecret = "secret"
	return cfg
}

func newTestClient(t *testing.T, cfg config.Config) (*client.Client, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	c, err := client.New(cfg, client.WithTransport(transport), client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, transport
}

// connected returns a client that is connected and, when login is set,
// authenticated.
func connected(t *testing.T, login bool) (*client.Client, *fakeTransport) {
	t.Helper()
	c, transport := newTestClient(t, testConfig())
	require.NoError(t, c.Connect(context.Background()))
	if login {
		call, err := c.Authenticate(session.Credentials{})
		require.NoError(t, err)
		transport.Respond(call.ID, `{"access_token":"tok","refresh_token":"ref","expires_in":900,"scope":"connection trade:read_write","token_type":"bearer"}`)
		require.NoError(t, wait(t, call))
	}
	return c, transport
}

func wait(t *testing.T, call *dispatch.Call) error {
	t.Helper()
	select {
	case <-call.Done():
		return call.Err()
	case <-time.After(timeout):
		t.Fatalf("call %d (%s) did not complete", call.ID, call.Method)
		return nil
	}
}

func mustField(t *testing.T, raw json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	return fields[name]
}
