package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hugin/internal/common"
	"hugin/internal/metrics"
	"hugin/internal/net"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 10 * time.Second

// Sender hands an encoded frame to the transport.
type Sender interface {
	Send(frame []byte) error
}

// Caller issues requests. Components depend on this rather than on the
// Dispatcher so they can be driven by a fake in tests.
type Caller interface {
	Call(method string, params any, onDone func(*Call)) (*Call, error)
}

// Handler consumes the data of a channel notification.
type Handler func(channel string, data json.RawMessage)

type route struct {
	prefix string
	handle Handler
}

// Dispatcher correlates responses with outbound requests and routes channel
// notifications. Call may be used from any goroutine; Dispatch, Expire and
// FailAll are meant to be driven by one event loop, and every completion
// callback runs on the goroutine that drives them.
type Dispatcher struct {
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	sender  Sender
	nextID  uint64
	pending map[uint64]*Call

	routes      []route
	onHeartbeat func(testRequest bool)
}

func New(sender Sender, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		log:     logger.With().Str("component", "dispatcher").Logger(),
		timeout: timeout,
		now:     time.Now,
		sender:  sender,
		pending: make(map[uint64]*Call),
	}
}

// Route registers h for every channel starting with prefix. Routes are
// matched in registration order and must be set up before dispatching.
func (d *Dispatcher) Route(prefix string, h Handler) {
	d.routes = append(d.routes, route{prefix: prefix, handle: h})
}

// OnHeartbeat registers the reaction to exchange heartbeat messages.
func (d *Dispatcher) OnHeartbeat(fn func(testRequest bool)) {
	d.onHeartbeat = fn
}

// Call registers a pending request and sends it. It never waits for the
// response: onDone (which may be nil) runs when the call completes. A send
// failure is returned directly and onDone is not invoked.
func (d *Dispatcher) Call(method string, params any, onDone func(*Call)) (*Call, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	frame, err := net.EncodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s: %v", common.ErrInvalidArgument, method, err)
	}

	now := d.now()
	call := &Call{
		ID:       id,
		Method:   method,
		Sent:     now,
		Deadline: now.Add(d.timeout),
		onDone:   onDone,
		done:     make(chan struct{}),
	}
	d.pending[id] = call

	if err := d.sender.Send(frame); err != nil {
		delete(d.pending, id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}
	metrics.RequestsSentTotal.WithLabelValues(method).Inc()
	metrics.PendingRequests.Set(float64(len(d.pending)))
	d.log.Debug().Uint64("id", id).Str("method", method).Msg("request sent")
	return call, nil
}

// Dispatch parses and routes one inbound frame. Malformed frames and
// unmatched responses are logged and dropped.
func (d *Dispatcher) Dispatch(frame []byte) {
	msg, err := net.ParseMessage(frame)
	if err != nil {
		metrics.ProtocolErrorsTotal.Inc()
		d.log.Warn().Err(err).Bytes("frame", truncate(frame)).Msg("dropping frame")
		return
	}
	metrics.MessagesReceivedTotal.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case net.Response:
		d.handleResponse(msg)
	case net.Notification:
		d.handleNotification(msg)
	case net.Heartbeat:
		if d.onHeartbeat != nil {
			d.onHeartbeat(msg.HeartbeatType == "test_request")
		}
	}
}

func (d *Dispatcher) handleResponse(msg net.Message) {
	d.mu.Lock()
	call, ok := d.pending[msg.ID]
	if ok {
		delete(d.pending, msg.ID)
	}
	metrics.PendingRequests.Set(float64(len(d.pending)))
	d.mu.Unlock()

	if !ok {
		metrics.UnmatchedResponses.Inc()
		d.log.Warn().Uint64("id", msg.ID).Msg("dropping response without pending request")
		return
	}

	metrics.RequestLatencyMs.WithLabelValues(call.Method).Observe(float64(d.now().Sub(call.Sent).Milliseconds()))
	if msg.Error != nil {
		d.complete(call, nil, msg.Error)
		return
	}
	d.complete(call, msg.Result, nil)
}

func (d *Dispatcher) handleNotification(msg net.Message) {
	for _, r := range d.routes {
		if strings.HasPrefix(msg.Channel, r.prefix) {
			r.handle(msg.Channel, msg.Data)
			return
		}
	}
	d.log.Debug().Str("channel", msg.Channel).Msg("no route for channel")
}

// Expire fails every request whose deadline is before now with ErrTimeout
// and returns how many were failed.
func (d *Dispatcher) Expire(now time.Time) int {
	d.mu.Lock()
	var expired []*Call
	for id, call := range d.pending {
		if now.After(call.Deadline) {
			expired = append(expired, call)
			delete(d.pending, id)
		}
	}
	metrics.PendingRequests.Set(float64(len(d.pending)))
	d.mu.Unlock()

	for _, call := range expired {
		d.log.Warn().Uint64("id", call.ID).Str("method", call.Method).Msg("request timed out")
		d.complete(call, nil, fmt.Errorf("%w: %s (id %d)", common.ErrTimeout, call.Method, call.ID))
	}
	return len(expired)
}

// FailAll completes every pending request with err.
func (d *Dispatcher) FailAll(err error) int {
	d.mu.Lock()
	calls := make([]*Call, 0, len(d.pending))
	for _, call := range d.pending {
		calls = append(calls, call)
	}
	d.pending = make(map[uint64]*Call)
	metrics.PendingRequests.Set(0)
	d.mu.Unlock()

	for _, call := range calls {
		d.complete(call, nil, fmt.Errorf("%s (id %d): %w", call.Method, call.ID, err))
	}
	return len(calls)
}

// Pending returns the number of requests awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// complete records the outcome, runs the issuer's callback and only then
// releases waiters, so a waiter always observes the issuer's updated state.
func (d *Dispatcher) complete(call *Call, result json.RawMessage, err error) {
	call.result = result
	call.err = err
	call.completed.Store(true)
	if err != nil {
		metrics.RequestsFailedTotal.WithLabelValues(call.Method, failureReason(err)).Inc()
	}
	if call.onDone != nil {
		call.onDone(call)
	}
	close(call.done)
}

func failureReason(err error) string {
	var rpcErr *net.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.Is(err, common.ErrTimeout):
		return "timeout"
	case errors.Is(err, common.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, common.ErrCancelled):
		return "cancelled"
	}
	return "other"
}

func truncate(frame []byte) []byte {
	const limit = 256
	if len(frame) > limit {
		return frame[:limit]
	}
	return frame
}
