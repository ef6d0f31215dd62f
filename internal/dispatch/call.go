package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"hugin/internal/common"
)

// Call is an outbound request awaiting its response. It completes exactly
// once: with the response result, the exchange's error, a timeout, or the
// connection going away.
type Call struct {
	ID       uint64
	Method   string
	Sent     time.Time
	Deadline time.Time

	onDone    func(*Call)
	done      chan struct{}
	completed atomic.Bool
	result    json.RawMessage
	err       error
}

// Completed returns a call that is already done. Idempotent operations
// that need no round trip hand one of these back.
func Completed(err error) *Call {
	c := &Call{done: make(chan struct{}), err: err}
	c.completed.Store(true)
	close(c.done)
	return c
}

func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err is nil until the call has completed. Completion callbacks already
// observe the final value.
func (c *Call) Err() error {
	if !c.completed.Load() {
		return nil
	}
	return c.err
}

// Result is the raw response result, nil until the call has completed.
func (c *Call) Result() json.RawMessage {
	if !c.completed.Load() {
		return nil
	}
	return c.result
}

// Decode unmarshals the result of a successfully completed call into v.
func (c *Call) Decode(v any) error {
	if err := c.Err(); err != nil {
		return err
	}
	result := c.Result()
	if result == nil {
		return fmt.Errorf("%w: %s returned no result", common.ErrProtocol, c.Method)
	}
	if err := json.Unmarshal(result, v); err != nil {
		return fmt.Errorf("%w: %s result: %v", common.ErrProtocol, c.Method, err)
	}
	return nil
}

// Wait blocks until the call completes or ctx is done.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
