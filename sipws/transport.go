// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebSocketSubprotocol is negotiated on every connection (RFC 7118).
const WebSocketSubprotocol = "sip"

type TransportState string

const (
	TransportStateDisconnected  TransportState = "Disconnected"
	TransportStateConnecting    TransportState = "Connecting"
	TransportStateConnected     TransportState = "Connected"
	TransportStateDisconnecting TransportState = "Disconnecting"
)

func (s TransportState) String() string {
	return string(s)
}

var (
	ErrTransportNotConnected = errors.New("transport not connected")
	ErrTransportServer       = errors.New("transport server must be ws:// or wss:// url")
)

type TransportOptions struct {
	// Server is the full WebSocket URL including path, ex. wss://pbx.example.com:8089/ws
	Server string
	// ConnectionTimeout limits dial and handshake. Default 5s
	ConnectionTimeout time.Duration
	// KeepAliveInterval sends CRLF keep alive. Zero disables it
	KeepAliveInterval time.Duration
	TLSConfig         *tls.Config
}

type wsConn struct {
	*websocket.Conn
	done chan struct{}
}

// Transport carries SIP messages over one WebSocket connection at a time.
// State changes are delivered to listeners in the order they happen.
type Transport struct {
	opts     TransportOptions
	protocol string
	dialer   *websocket.Dialer
	log      zerolog.Logger
	fsm      *fsm.FSM

	// eventMu serializes transitions so listeners see them in order
	eventMu sync.Mutex

	mu         sync.Mutex
	conn       *wsConn
	closing    bool
	onMessage  func(msg sip.Message)
	listeners  map[int]func(state TransportState)
	listenerID int

	writeMu sync.Mutex
}

func NewTransport(opts TransportOptions) (*Transport, error) {
	u, err := url.Parse(opts.Server)
	if err != nil {
		return nil, fmt.Errorf("parsing transport server %q: %w", opts.Server, err)
	}

	var protocol string
	switch strings.ToLower(u.Scheme) {
	case "ws":
		protocol = "WS"
	case "wss":
		protocol = "WSS"
	default:
		return nil, fmt.Errorf("%w: %q", ErrTransportServer, opts.Server)
	}

	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 5 * time.Second
	}

	t := &Transport{
		opts:     opts,
		protocol: protocol,
		dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol},
			HandshakeTimeout: opts.ConnectionTimeout,
			TLSClientConfig:  opts.TLSConfig,
		},
		log:       log.Logger.With().Str("caller", "transport").Logger(),
		listeners: make(map[int]func(state TransportState)),
	}

	t.fsm = fsm.NewFSM(
		string(TransportStateDisconnected),
		fsm.Events{
			{Name: "connect", Src: []string{string(TransportStateDisconnected)}, Dst: string(TransportStateConnecting)},
			{Name: "connected", Src: []string{string(TransportStateConnecting)}, Dst: string(TransportStateConnected)},
			{Name: "disconnect", Src: []string{string(TransportStateConnecting), string(TransportStateConnected)}, Dst: string(TransportStateDisconnecting)},
			{Name: "disconnected", Src: []string{string(TransportStateConnecting), string(TransportStateConnected), string(TransportStateDisconnecting)}, Dst: string(TransportStateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.emit(TransportState(e.Dst))
			},
		},
	)
	return t, nil
}

func (t *Transport) SetLogger(l zerolog.Logger) {
	t.log = l.With().Str("caller", "transport").Logger()
}

// Protocol is the Via transport token, WS or WSS
func (t *Transport) Protocol() string {
	return t.protocol
}

func (t *Transport) Server() string {
	return t.opts.Server
}

func (t *Transport) State() TransportState {
	return TransportState(t.fsm.Current())
}

func (t *Transport) IsConnected() bool {
	return t.State() == TransportStateConnected
}

// OnStateChange registers listener for state changes. Returned func removes it.
func (t *Transport) OnStateChange(f func(state TransportState)) (remove func()) {
	t.mu.Lock()
	id := t.listenerID
	t.listenerID++
	t.listeners[id] = f
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// OnMessage sets handler for every parsed incoming message
func (t *Transport) OnMessage(f func(msg sip.Message)) {
	t.mu.Lock()
	t.onMessage = f
	t.mu.Unlock()
}

func (t *Transport) emit(state TransportState) {
	t.log.Debug().Str("state", state.String()).Msg("Transport state changed")

	t.mu.Lock()
	listeners := make([]func(TransportState), 0, len(t.listeners))
	// Keep registration order
	for i := 0; i < t.listenerID; i++ {
		if f, ok := t.listeners[i]; ok {
			listeners = append(listeners, f)
		}
	}
	t.mu.Unlock()

	for _, f := range listeners {
		f(state)
	}
}

func (t *Transport) transition(event string) error {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()
	return t.fsm.Event(context.Background(), event)
}

// Connect dials the server. It returns once connection is established or failed.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.transition("connect"); err != nil {
		return fmt.Errorf("transport connect in state %s: %w", t.State(), err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectionTimeout)
	defer cancel()

	t.log.Info().Str("server", t.opts.Server).Msg("Connecting")
	c, _, err := t.dialer.DialContext(dialCtx, t.opts.Server, nil)
	if err != nil {
		t.transition("disconnected")
		return fmt.Errorf("failed to dial %s: %w", t.opts.Server, err)
	}

	if c.Subprotocol() != WebSocketSubprotocol {
		t.log.Warn().Str("subprotocol", c.Subprotocol()).Msg("Server did not accept sip subprotocol")
	}

	conn := &wsConn{Conn: c, done: make(chan struct{})}
	t.mu.Lock()
	t.conn = conn
	t.closing = false
	t.mu.Unlock()

	go t.readLoop(conn)
	if t.opts.KeepAliveInterval > 0 {
		go t.keepAliveLoop(conn, t.opts.KeepAliveInterval)
	}

	if err := t.transition("connected"); err != nil {
		// Disconnect was requested or connection dropped while dialing
		t.closeConn(conn)
		return fmt.Errorf("transport connect interrupted: %w", err)
	}
	return nil
}

// Disconnect closes current connection and waits until read loop exits.
// It is noop when already disconnected.
func (t *Transport) Disconnect() error {
	if err := t.transition("disconnect"); err != nil {
		if t.State() == TransportStateDisconnected {
			return nil
		}
		return fmt.Errorf("transport disconnect in state %s: %w", t.State(), err)
	}

	t.mu.Lock()
	conn := t.conn
	t.closing = true
	t.mu.Unlock()

	if conn == nil {
		// Still dialing. Connect will see Disconnecting and finish transition
		return nil
	}

	t.closeConn(conn)
	return nil
}

func (t *Transport) closeConn(conn *wsConn) {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()

	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	conn.Close()

	select {
	case <-conn.done:
	case <-time.After(t.opts.ConnectionTimeout):
		t.log.Warn().Msg("Timeout waiting read loop to exit")
	}
}

// Send writes message as single WebSocket text frame
func (t *Transport) Send(msg sip.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportNotConnected
	}

	data := msg.String()
	if sip.SIPDebug {
		t.log.Debug().Msgf("WS write to %s:\n%s", t.opts.Server, data)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (t *Transport) readLoop(conn *wsConn) {
	defer close(conn.done)

	parser := sip.NewParser()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionClosed(conn, err)
			return
		}

		if len(bytes.TrimSpace(data)) == 0 {
			// keep alive
			continue
		}

		if sip.SIPDebug {
			t.log.Debug().Msgf("WS read from %s:\n%s", t.opts.Server, data)
		}

		msg, err := parser.ParseSIP(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("Failed to parse SIP message")
			continue
		}

		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (t *Transport) connectionClosed(conn *wsConn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	expected := t.closing
	t.mu.Unlock()

	if !expected {
		t.log.Warn().Err(err).Msg("Transport connection lost")
	}

	if err := t.transition("disconnected"); err != nil {
		t.log.Debug().Err(err).Msg("Disconnected transition skipped")
	}
}

func (t *Transport) keepAliveLoop(conn *wsConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
		}

		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, []byte("\r\n\r\n"))
		t.writeMu.Unlock()
		if err != nil {
			t.log.Debug().Err(err).Msg("Keep alive write failed")
			return
		}
	}
}
