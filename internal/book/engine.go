package book

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"hugin/internal/common"
	"hugin/internal/dispatch"
	"hugin/internal/metrics"
	"hugin/internal/net"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval        = "100ms"
	DefaultSnapshotTimeout = 5 * time.Second
)

var ErrCrossed = fmt.Errorf("%w: crossed book", common.ErrProtocol)

// Channel is the book channel name for instrument at the given interval.
func Channel(instrument, interval string) string {
	return fmt.Sprintf("book.%s.%s", instrument, interval)
}

type subscription struct {
	instrument string
	channel    string

	active   bool // a subscribe is in flight or confirmed
	awaiting  bool      // a snapshot has been requested and not yet received
	requested time.Time // when the outstanding snapshot was requested
	synced    bool      // book reflects the feed up to its sequence
	book      *Book
}

// Engine owns the local book of every subscribed instrument. Updates are
// applied by the event loop; reads may come from any goroutine.
type Engine struct {
	log             zerolog.Logger
	caller          dispatch.Caller
	interval        string
	now             func() time.Time
	snapshotTimeout time.Duration

	mu       sync.RWMutex
	subs     map[string]*subscription
	observer func(common.OrderBook)
}

func NewEngine(caller dispatch.Caller, interval string, logger zerolog.Logger) *Engine {
	if interval == "" {
		interval = DefaultInterval
	}
	return &Engine{
		log:             logger.With().Str("component", "books").Logger(),
		caller:          caller,
		interval:        interval,
		now:             time.Now,
		snapshotTimeout: DefaultSnapshotTimeout,
		subs:            make(map[string]*subscription),
	}
}

// SetSnapshotTimeout bounds how long a requested snapshot may take before
// the book is resynchronized again.
func (e *Engine) SetSnapshotTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.snapshotTimeout = d
	}
}

// SetObserver registers fn to receive a copy of a book after every applied
// update. fn runs on the event loop and must not block.
func (e *Engine) SetObserver(fn func(common.OrderBook)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

// Subscribe requests the book channel for instrument. It is a no-op
// returning a completed call when the subscription is already active.
func (e *Engine) Subscribe(instrument string) (*dispatch.Call, error) {
	if instrument == "" {
		return nil, fmt.Errorf("%w: empty instrument", common.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[instrument]
	if ok && sub.active {
		return dispatch.Completed(nil), nil
	}
	if !ok {
		sub = &subscription{
			instrument: instrument,
			channel:    Channel(instrument, e.interval),
		}
		e.subs[instrument] = sub
	}
	sub.active = true
	sub.awaiting = true
	sub.requested = e.now()

	call, err := e.caller.Call(net.MethodSubscribe, net.ChannelParams{Channels: []string{sub.channel}}, func(c *dispatch.Call) {
		e.onSubscribed(sub, c)
	})
	if err != nil {
		sub.active = false
		sub.awaiting = false
		if sub.book == nil {
			delete(e.subs, instrument)
		}
		return nil, err
	}
	e.log.Info().Str("channel", sub.channel).Uint64("id", call.ID).Msg("subscribing")
	return call, nil
}

func (e *Engine) onSubscribed(sub *subscription, call *dispatch.Call) {
	err := call.Err()
	if err == nil {
		var channels []string
		if decodeErr := call.Decode(&channels); decodeErr == nil && !slices.Contains(channels, sub.channel) {
			err = fmt.Errorf("%w: subscription to %s not confirmed", common.ErrProtocol, sub.channel)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs[sub.instrument] != sub {
		return
	}
	if err == nil {
		e.log.Info().Str("channel", sub.channel).Msg("subscribed")
		return
	}

	e.log.Error().Err(err).Str("channel", sub.channel).Msg("subscribe failed")
	sub.active = false
	sub.awaiting = false
	if sub.book == nil {
		delete(e.subs, sub.instrument)
	}
}

// Unsubscribe drops the local book and, if the channel is live, tells the
// exchange. Unknown instruments succeed without a round trip.
func (e *Engine) Unsubscribe(instrument string) (*dispatch.Call, error) {
	e.mu.Lock()
	sub, ok := e.subs[instrument]
	delete(e.subs, instrument)
	e.mu.Unlock()

	if !ok || !sub.active {
		return dispatch.Completed(nil), nil
	}
	return e.caller.Call(net.MethodUnsubscribe, net.ChannelParams{Channels: []string{sub.channel}}, func(c *dispatch.Call) {
		if err := c.Err(); err != nil {
			e.log.Warn().Err(err).Str("channel", sub.channel).Msg("unsubscribe failed")
		}
	})
}

// HandleNotification is the dispatcher route for book channels.
func (e *Engine) HandleNotification(channel string, data json.RawMessage) {
	update, err := net.DecodeBook(data)
	if err != nil {
		metrics.ProtocolErrorsTotal.Inc()
		e.log.Warn().Err(err).Str("channel", channel).Msg("dropping book update")
		return
	}
	if update.Instrument == "" {
		update.Instrument = instrumentFromChannel(channel)
	}
	if err := e.Apply(update.Instrument, update); err != nil && errors.Is(err, common.ErrNotSubscribed) {
		e.log.Debug().Str("channel", channel).Msg("update for unsubscribed instrument")
	}
}

// Apply folds one update into the instrument's book. A snapshot replaces
// the book. A delta that does not follow the book's sequence marks the book
// stale, requests a fresh snapshot once, and leaves the old levels intact;
// deltas arriving before that snapshot are discarded.
func (e *Engine) Apply(instrument string, update net.BookUpdate) error {
	e.mu.Lock()
	sub, ok := e.subs[instrument]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", common.ErrNotSubscribed, instrument)
	}

	var err error
	if update.Snapshot {
		err = e.applySnapshot(sub, update)
	} else {
		err = e.applyDelta(sub, update)
	}

	observer := e.observer
	var snapshot common.OrderBook
	notify := observer != nil && sub.book != nil && err == nil && sub.synced
	if notify {
		snapshot = sub.book.Copy()
	}
	e.mu.Unlock()

	if notify {
		observer(snapshot)
	}
	return err
}

func (e *Engine) applySnapshot(sub *subscription, update net.BookUpdate) error {
	if sub.book == nil {
		sub.book = NewBook(sub.instrument)
	}
	sub.book.Reset(update)
	sub.synced = true
	sub.awaiting = false
	metrics.BookUpdatesTotal.WithLabelValues("snapshot").Inc()

	if sub.book.Crossed() {
		e.log.Warn().Str("instrument", sub.instrument).Uint64("sequence", update.Sequence).Msg("snapshot is crossed")
	}
	e.log.Debug().Str("instrument", sub.instrument).Uint64("sequence", update.Sequence).Msg("snapshot applied")
	return nil
}

func (e *Engine) applyDelta(sub *subscription, update net.BookUpdate) error {
	if !sub.synced {
		metrics.BookDeltasDropped.Inc()
		switch {
		case !sub.active:
		case !sub.awaiting:
			e.resync(sub, "unsynced")
		case e.overdue(sub, e.now()):
			e.resync(sub, "snapshot timeout")
		}
		return nil
	}

	if !sub.book.Follows(update) {
		err := fmt.Errorf("%w: %s at %d, delta %d (prev %d)",
			common.ErrSequenceGap, sub.instrument, sub.book.Sequence(), update.Sequence, update.PrevSequence)
		e.log.Warn().Err(err).Msg("book out of sequence")
		metrics.BookDeltasDropped.Inc()
		e.resync(sub, "gap")
		return err
	}

	sub.book.Apply(update)
	metrics.BookUpdatesTotal.WithLabelValues("delta").Inc()

	if sub.book.Crossed() {
		err := fmt.Errorf("%w: %s at %d", ErrCrossed, sub.instrument, update.Sequence)
		e.log.Warn().Err(err).Msg("book crossed after delta")
		e.resync(sub, "crossed")
		return err
	}
	return nil
}

// resync marks the book stale and asks for a fresh snapshot. The channel is
// dropped and subscribed again, since only a new subscription is sure to
// start with a snapshot. Callers hold e.mu.
func (e *Engine) resync(sub *subscription, reason string) {
	sub.synced = false
	sub.awaiting = true
	sub.requested = e.now()
	metrics.BookResyncsTotal.WithLabelValues(sub.instrument, reason).Inc()

	params := net.ChannelParams{Channels: []string{sub.channel}}
	_, err := e.caller.Call(net.MethodUnsubscribe, params, func(c *dispatch.Call) {
		if err := c.Err(); err != nil {
			e.log.Warn().Err(err).Str("channel", sub.channel).Msg("resync unsubscribe failed")
		}
	})
	if err == nil {
		_, err = e.caller.Call(net.MethodSubscribe, params, func(c *dispatch.Call) {
			e.onSubscribed(sub, c)
		})
	}
	if err != nil {
		sub.awaiting = false
		e.log.Error().Err(err).Str("instrument", sub.instrument).Msg("resync request failed")
		return
	}
	e.log.Info().Str("instrument", sub.instrument).Str("reason", reason).Msg("resyncing book")
}

func (e *Engine) overdue(sub *subscription, now time.Time) bool {
	return sub.awaiting && now.Sub(sub.requested) > e.snapshotTimeout
}

// CheckSnapshots resynchronizes every active book whose snapshot has been
// outstanding longer than the snapshot timeout, and returns how many.
func (e *Engine) CheckSnapshots(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, sub := range e.subs {
		if sub.active && e.overdue(sub, now) {
			e.log.Warn().Str("instrument", sub.instrument).Dur("waited", now.Sub(sub.requested)).Msg("snapshot overdue")
			e.resync(sub, "snapshot timeout")
			n++
		}
	}
	return n
}

// OrderBook returns a copy of instrument's book. Stale is set while the
// copy cannot be trusted to match the exchange.
func (e *Engine) OrderBook(instrument string) (common.OrderBook, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sub, ok := e.subs[instrument]
	if !ok {
		return common.OrderBook{}, fmt.Errorf("%w: %s", common.ErrNotSubscribed, instrument)
	}
	if sub.book == nil {
		return common.OrderBook{Instrument: instrument, Stale: true}, nil
	}
	snapshot := sub.book.Copy()
	snapshot.Stale = !sub.synced
	return snapshot, nil
}

// MarkAllStale is called when the connection drops: every book keeps its
// last levels but is flagged stale until the caller subscribes again.
func (e *Engine) MarkAllStale() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		sub.active = false
		sub.awaiting = false
		sub.synced = false
	}
}

// Subscriptions lists every known instrument, sorted.
func (e *Engine) Subscriptions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.subs))
	for instrument := range e.subs {
		out = append(out, instrument)
	}
	sort.Strings(out)
	return out
}

func instrumentFromChannel(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
