package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hugin/internal/book"
	"hugin/internal/common"
	"hugin/internal/config"
	"hugin/internal/dispatch"
	"hugin/internal/metrics"
	"hugin/internal/net"
	"hugin/internal/orders"
	"hugin/internal/session"
	"hugin/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

const (
	EVENT_CHAN_SIZE = 1024
)

var ErrClosed = fmt.Errorf("%w: client closed", common.ErrConnection)

// Transport is the connection the client drives. *net.Transport is the
// websocket implementation.
type Transport interface {
	Connect(ctx context.Context, uri string, listener net.Listener) error
	Send(frame []byte) error
	Close() error
}

type Option func(*Client)

func WithTransport(transport Transport) Option {
	return func(c *Client) { c.transport = transport }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventError
	eventClose
)

type event struct {
	kind eventKind
	conn uint64
	data []byte
	err  error
}

// Client is one exchange session. Every inbound frame, timeout and
// disconnect is handled by a single event loop goroutine; the methods may be
// called from any goroutine and never wait for the exchange.
type Client struct {
	cfg       config.Config
	log       zerolog.Logger
	transport Transport

	dispatcher *dispatch.Dispatcher
	auth       *session.Authenticator
	books      *book.Engine
	orders     *orders.Manager
	pool       *utils.WorkerPool

	events chan event

	mu        sync.Mutex
	t         *tomb.Tomb // event loop and observer workers, nil until Connect
	conn      uint64     // connection counter, tags transport events
	connected bool
	closed    bool

	observersMu sync.RWMutex
	onBook      []func(common.OrderBook)
	onOrder     []func(common.Order)
}

func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	mode, err := session.ParseMode(cfg.Auth.Mode)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		log:    log.Logger,
		events: make(chan event, EVENT_CHAN_SIZE),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = net.NewTransport(net.TransportConfig{
			HandshakeTimeout: time.Duration(cfg.Transport.HandshakeTimeoutSeconds) * time.Second,
			WriteTimeout:     time.Duration(cfg.Transport.WriteTimeoutSeconds) * time.Second,
			PingInterval:     time.Duration(cfg.Transport.PingIntervalSeconds) * time.Second,
			SendQueue:        cfg.Transport.SendQueue,
		})
	}

	c.dispatcher = dispatch.New(c.transport, cfg.RequestTimeout(), c.log)
	c.auth = session.NewAuthenticator(c.dispatcher, mode, c.log)
	c.books = book.NewEngine(c.dispatcher, cfg.Exchange.BookInterval, c.log)
	c.books.SetSnapshotTimeout(cfg.SnapshotTimeout())
	c.orders = orders.NewManager(c.dispatcher, c.log)
	// One worker keeps observer callbacks in event order.
	c.pool = utils.NewWorkerPool(1, c.log)

	c.dispatcher.Route("book.", c.books.HandleNotification)
	c.dispatcher.Route("user.orders.", c.orders.HandleNotification)
	c.dispatcher.Route("user.trades.", c.orders.HandleNotification)
	c.dispatcher.OnHeartbeat(c.onHeartbeat)
	c.books.SetObserver(func(b common.OrderBook) { c.publish(b) })
	c.orders.SetObserver(func(o common.Order) { c.publish(o) })
	return c, nil
}

// Connect dials the exchange and returns once the connection is open; frames
// are handled in the background from then on. After a disconnect Connect may
// be called again, but subscriptions and the login have to be renewed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	// Also refuses while the previous connection's close is still queued
	// for the event loop.
	if c.connected {
		c.mu.Unlock()
		return net.ErrAlreadyOpen
	}
	if c.t == nil {
		t := &tomb.Tomb{}
		c.pool.Setup(t, c.deliver)
		t.Go(func() error { return c.loop(t) })
		c.t = t
	}
	c.conn++
	listener := &connListener{client: c, conn: c.conn, dying: c.t.Dying()}
	c.mu.Unlock()

	if err := c.transport.Connect(ctx, c.cfg.Exchange.URL, listener); err != nil {
		return err
	}

	if secs := c.cfg.Exchange.HeartbeatSeconds; secs > 0 {
		_, err := c.dispatcher.Call(net.MethodSetHeartbeat, net.HeartbeatParams{Interval: secs}, func(call *dispatch.Call) {
			if err := call.Err(); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat setup failed")
			}
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("heartbeat setup failed")
		}
	}
	return nil
}

// Close ends the session: the connection is closed, every pending request
// fails with common.ErrCancelled and orders keep their last known state.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	t := c.t
	c.mu.Unlock()

	if t != nil {
		t.Kill(nil)
		_ = t.Wait()
	}
	err := c.transport.Close()

	// The event loop is gone, so this goroutine is the only one left
	// touching session state.
	n := c.dispatcher.FailAll(common.ErrCancelled)
	c.auth.OnClose()
	c.books.MarkAllStale()
	c.log.Info().Int("cancelled", n).Msg("client closed")
	return err
}

func (c *Client) loop(t *tomb.Tomb) error {
	ticker := time.NewTicker(sweepInterval(c.cfg.RequestTimeout()))
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		case now := <-ticker.C:
			if n := c.dispatcher.Expire(now); n > 0 {
				c.log.Warn().Int("count", n).Msg("requests timed out")
			}
			c.books.CheckSnapshots(now)
		}
	}
}

func sweepInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (c *Client) handle(ev event) {
	switch ev.kind {
	case eventMessage:
		c.dispatcher.Dispatch(ev.data)
	case eventError:
		c.log.Error().Err(ev.err).Uint64("conn", ev.conn).Msg("transport error")
	case eventClose:
		c.onDisconnect(ev.conn, ev.err)
	}
}

// onDisconnect resets the session after the transport went away. Nothing is
// resubscribed automatically.
func (c *Client) onDisconnect(conn uint64, err error) {
	metrics.DisconnectsTotal.Inc()
	c.auth.OnClose()
	c.books.MarkAllStale()
	n := c.dispatcher.FailAll(common.ErrConnectionLost)

	// Connect stays refused until the reset above is complete.
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.log.Warn().Err(err).Uint64("conn", conn).Int("failed", n).Msg("disconnected")
}

func (c *Client) onHeartbeat(testRequest bool) {
	if !testRequest {
		return
	}
	if _, err := c.dispatcher.Call(net.MethodTest, struct{}{}, nil); err != nil {
		c.log.Warn().Err(err).Msg("heartbeat reply failed")
	}
}

// connListener forwards one connection's callbacks to the event loop.
type connListener struct {
	client *Client
	conn   uint64
	dying  <-chan struct{}
}

func (l *connListener) OnOpen() {
	c := l.client
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.auth.OnOpen()
}

func (l *connListener) OnMessage(frame []byte) {
	l.push(event{kind: eventMessage, data: frame})
}

func (l *connListener) OnError(err error) {
	l.push(event{kind: eventError, err: err})
}

func (l *connListener) OnClose(err error) {
	l.push(event{kind: eventClose, err: err})
}

func (l *connListener) push(ev event) {
	ev.conn = l.conn
	select {
	case l.client.events <- ev:
	case <-l.dying:
	}
}

func (c *Client) requireConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return net.ErrNotConnected
	}
	return nil
}

func (c *Client) requireAuthenticated() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if state := c.auth.State(); state != session.Authenticated {
		return fmt.Errorf("%w: session is %s", common.ErrAuth, state)
	}
	return nil
}

// Authenticate logs in with creds, or with the configured credentials when
// creds is empty.
func (c *Client) Authenticate(creds session.Credentials) (*dispatch.Call, error) {
	if creds == (session.Credentials{}) {
		creds = session.Credentials{ClientID: c.cfg.Auth.ClientID, ClientSecret: c.cfg.Auth.ClientSecret}
	}
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	return c.auth.Authenticate(creds)
}

// Connected reports whether the transport is open and its last close has
// been handled.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) AuthState() session.State {
	return c.auth.State()
}

func (c *Client) Token() session.Token {
	return c.auth.Token()
}

// AuthErr is the reason the last login failed.
func (c *Client) AuthErr() error {
	return c.auth.Err()
}

func (c *Client) Subscribe(instrument string) (*dispatch.Call, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	return c.books.Subscribe(instrument)
}

func (c *Client) Unsubscribe(instrument string) (*dispatch.Call, error) {
	return c.books.Unsubscribe(instrument)
}

func (c *Client) OrderBook(instrument string) (common.OrderBook, error) {
	return c.books.OrderBook(instrument)
}

func (c *Client) Subscriptions() []string {
	return c.books.Subscriptions()
}

// SubscribeOrders follows the account's orders and trades on instrument.
func (c *Client) SubscribeOrders(instrument string) (*dispatch.Call, error) {
	if err := c.requireAuthenticated(); err != nil {
		return nil, err
	}
	return c.orders.Subscribe(instrument)
}

func (c *Client) PlaceOrder(instrument string, price, amount decimal.Decimal, side common.Side) (orders.Ticket, error) {
	if err := orders.ValidateOrder(instrument, price, amount, side); err != nil {
		return orders.Ticket{}, err
	}
	if err := c.requireAuthenticated(); err != nil {
		return orders.Ticket{}, err
	}
	return c.orders.PlaceOrder(instrument, price, amount, side)
}

func (c *Client) CancelOrder(id string) (orders.Ticket, error) {
	if err := c.requireAuthenticated(); err != nil {
		return orders.Ticket{}, err
	}
	return c.orders.CancelOrder(id)
}

func (c *Client) Order(id string) (common.Order, error) {
	return c.orders.Order(id)
}

func (c *Client) Orders() []common.Order {
	return c.orders.Orders()
}

// OnBook registers fn to receive book copies after every applied update.
// Observers run on a worker goroutine, never on the event loop.
func (c *Client) OnBook(fn func(common.OrderBook)) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.onBook = append(c.onBook, fn)
}

// OnOrder registers fn to receive order copies after every state change.
func (c *Client) OnOrder(fn func(common.Order)) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.onOrder = append(c.onOrder, fn)
}

func (c *Client) publish(task any) {
	c.observersMu.RLock()
	none := len(c.onBook) == 0 && len(c.onOrder) == 0
	c.observersMu.RUnlock()
	if none {
		return
	}
	if err := c.pool.AddTask(task); err != nil {
		c.log.Warn().Err(err).Msg("dropping observer update")
	}
}

func (c *Client) deliver(_ *tomb.Tomb, task any) error {
	c.observersMu.RLock()
	onBook, onOrder := c.onBook, c.onOrder
	c.observersMu.RUnlock()

	switch v := task.(type) {
	case common.OrderBook:
		for _, fn := range onBook {
			fn(v)
		}
	case common.Order:
		for _, fn := range onOrder {
			fn(v)
		}
	}
	return nil
}
