// Package dispatchtest provides a recording sender and helpers to feed a
// Dispatcher with responses and notifications in tests.
package dispatchtest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hugin/internal/dispatch"

	"github.com/rs/zerolog"
)

// Request is a sent frame decoded back into its envelope.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Sender records every frame. Setting Err makes Send fail.
type Sender struct {
	mu     sync.Mutex
	frames [][]byte
	Err    error
}

func (s *Sender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *Sender) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *Sender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Requests decodes every recorded frame. Frames that do not decode are
// returned with only their method set to "<invalid>".
func (s *Sender) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.frames))
	for _, frame := range s.frames {
		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			req = Request{Method: "<invalid>"}
		}
		out = append(out, req)
	}
	return out
}

// Last returns the most recent request, or a zero Request when none was sent.
func (s *Sender) Last() Request {
	reqs := s.Requests()
	if len(reqs) == 0 {
		return Request{}
	}
	return reqs[len(reqs)-1]
}

// Methods lists the methods of every recorded request in order.
func (s *Sender) Methods() []string {
	reqs := s.Requests()
	methods := make([]string, len(reqs))
	for i, req := range reqs {
		methods[i] = req.Method
	}
	return methods
}

func NewDispatcher() (*dispatch.Dispatcher, *Sender) {
	sender := &Sender{}
	return dispatch.New(sender, time.Second, zerolog.Nop()), sender
}

func Respond(d *dispatch.Dispatcher, id uint64, result string) {
	d.Dispatch([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)))
}

func RespondError(d *dispatch.Dispatcher, id uint64, code int, message string) {
	d.Dispatch([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message)))
}

func Notify(d *dispatch.Dispatcher, channel, data string) {
	d.Dispatch([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":%q,"data":%s}}`, channel, data)))
}
