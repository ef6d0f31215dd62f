package net

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"hugin/internal/common"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	maxRecvSize             = 4 * 1024 * 1024
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultSendQueue        = 256
)

var (
	ErrNotConnected  = fmt.Errorf("%w: not connected", common.ErrConnection)
	ErrAlreadyOpen   = fmt.Errorf("%w: already connected", common.ErrConnection)
	ErrSendQueueFull = fmt.Errorf("%w: send queue full", common.ErrConnection)
	errClosedLocally = errors.New("closed locally")
)

// Listener receives the transport's lifecycle and frame callbacks. OnMessage
// is always called from a single goroutine, in arrival order.
type Listener interface {
	OnOpen()
	OnMessage(frame []byte)
	OnClose(err error)
	OnError(err error)
}

type TransportConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	SendQueue        int
}

// Transport is a text-frame websocket connection. Reads and writes run in
// their own goroutines, supervised by a tomb, so Connect returns as soon as
// the handshake completes.
type Transport struct {
	dialer       websocket.Dialer
	writeTimeout time.Duration
	pingInterval time.Duration
	queueSize    int

	mu   sync.Mutex
	t    *tomb.Tomb
	send chan []byte
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	return &Transport{
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		},
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		queueSize:    cfg.SendQueue,
	}
}

// Connect dials uri (ws:// or wss://) and starts the pumps. The listener's
// OnOpen runs before any OnMessage; OnClose runs once both pumps have exited.
func (tr *Transport) Connect(ctx context.Context, uri string, listener Listener) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.t != nil && tr.t.Alive() {
		return ErrAlreadyOpen
	}

	conn, _, err := tr.dialer.DialContext(ctx, uri, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", common.ErrConnection, uri, err)
	}
	conn.SetReadLimit(maxRecvSize)

	t := &tomb.Tomb{}
	send := make(chan []byte, tr.queueSize)
	tr.t = t
	tr.send = send

	log.Info().Str("uri", uri).Msg("websocket connected")
	listener.OnOpen()

	t.Go(func() error {
		return tr.readPump(t, conn, listener)
	})
	t.Go(func() error {
		return tr.writePump(t, conn, send)
	})

	go func() {
		err := t.Wait()
		if errors.Is(err, errClosedLocally) {
			err = nil
		}
		tr.mu.Lock()
		if tr.t == t {
			tr.t = nil
			tr.send = nil
		}
		tr.mu.Unlock()

		log.Info().Err(err).Str("uri", uri).Msg("websocket closed")
		if err != nil {
			listener.OnError(err)
		}
		listener.OnClose(err)
	}()
	return nil
}

// Send queues a text frame. It never blocks on the network.
func (tr *Transport) Send(frame []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.t == nil || !tr.t.Alive() {
		return ErrNotConnected
	}
	select {
	case tr.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close sends a close frame and waits for both pumps to exit.
func (tr *Transport) Close() error {
	tr.mu.Lock()
	t := tr.t
	tr.mu.Unlock()

	if t == nil {
		return nil
	}
	t.Kill(errClosedLocally)
	if err := t.Wait(); err != nil && !errors.Is(err, errClosedLocally) {
		return err
	}
	return nil
}

// readPump delivers frames to the listener until the connection fails or
// the tomb starts dying.
func (tr *Transport) readPump(t *tomb.Tomb, conn *websocket.Conn, listener Listener) error {
	pongWait := 2 * tr.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !t.Alive() {
				return nil
			}
			return fmt.Errorf("%w: %v", common.ErrConnectionLost, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		listener.OnMessage(frame)
	}
}

// writePump is the only writer on the connection. Any exit closes the
// connection, which in turn unblocks readPump.
func (tr *Transport) writePump(t *tomb.Tomb, conn *websocket.Conn, send <-chan []byte) error {
	ticker := time.NewTicker(tr.pingInterval)
	defer func() {
		ticker.Stop()
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("closing websocket")
		}
	}()

	for {
		select {
		case <-t.Dying():
			deadline := time.Now().Add(tr.writeTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				log.Debug().Err(err).Msg("sending close frame")
			}
			return nil
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(tr.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("%w: write: %v", common.ErrConnectionLost, err)
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(tr.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%w: ping: %v", common.ErrConnectionLost, err)
			}
		}
	}
}
