// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/webphone/sdh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type UserAgentState string

const (
	UserAgentStateStarted UserAgentState = "Started"
	UserAgentStateStopped UserAgentState = "Stopped"
)

var (
	ErrUserAgentStopped   = errors.New("user agent stopped")
	ErrTransactionTimeout = errors.New("transaction timeout")
	ErrNoSDHFactory       = errors.New("no session description handler factory")
)

type UserAgentOptions struct {
	// URI is address of record, ex. sip:alice@pbx.example.com
	URI         sip.Uri
	DisplayName string

	AuthorizationUsername string
	AuthorizationPassword string

	// UserAgentString is sent in User-Agent header. Default webphone
	UserAgentString string

	Transport TransportOptions

	SessionDescriptionHandlerFactory sdh.Factory

	// ReconnectionAttempts after unexpected transport loss. Default 3
	ReconnectionAttempts int
	// ReconnectionDelay between attempts. Default 4s
	ReconnectionDelay time.Duration
	// TransactionTimeout is Timer B/F. Default 32s
	TransactionTimeout time.Duration

	Logger *zerolog.Logger
}

// UserAgent is SIP endpoint bound to one WebSocket transport.
type UserAgent struct {
	opts      UserAgentOptions
	log       zerolog.Logger
	transport *Transport

	contactUser string

	mu            sync.Mutex
	state         UserAgentState
	reconnecting  bool
	stopReconnect context.CancelFunc
	transactions  map[string]*clientTransaction
	sessions      map[string]*Inviter
}

func NewUserAgent(opts UserAgentOptions) (*UserAgent, error) {
	if opts.URI.Host == "" {
		return nil, fmt.Errorf("user agent uri host is empty")
	}
	if opts.UserAgentString == "" {
		opts.UserAgentString = "webphone"
	}
	if opts.ReconnectionAttempts == 0 {
		opts.ReconnectionAttempts = 3
	}
	if opts.ReconnectionDelay == 0 {
		opts.ReconnectionDelay = 4 * time.Second
	}
	if opts.TransactionTimeout == 0 {
		opts.TransactionTimeout = 32 * time.Second
	}

	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}

	tr, err := NewTransport(opts.Transport)
	if err != nil {
		return nil, err
	}
	tr.SetLogger(l)

	ua := &UserAgent{
		opts:         opts,
		log:          l.With().Str("caller", "useragent").Logger(),
		transport:    tr,
		contactUser:  randomToken(8),
		state:        UserAgentStateStopped,
		transactions: make(map[string]*clientTransaction),
		sessions:     make(map[string]*Inviter),
	}

	tr.OnMessage(ua.handleMessage)
	tr.OnStateChange(ua.onTransportState)
	return ua, nil
}

func (ua *UserAgent) URI() sip.Uri {
	return ua.opts.URI
}

func (ua *UserAgent) Transport() *Transport {
	return ua.transport
}

func (ua *UserAgent) State() UserAgentState {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.state
}

// OnTransportStateChange is shortcut for Transport().OnStateChange
func (ua *UserAgent) OnTransportStateChange(f func(state TransportState)) (remove func()) {
	return ua.transport.OnStateChange(f)
}

// Start connects transport. User agent stays started when connect fails and
// reconnection attempts are scheduled.
func (ua *UserAgent) Start(ctx context.Context) error {
	ua.mu.Lock()
	if ua.state == UserAgentStateStarted {
		ua.mu.Unlock()
		return nil
	}
	ua.state = UserAgentStateStarted
	ua.mu.Unlock()

	ua.log.Info().Str("aor", ua.opts.URI.String()).Msg("Starting user agent")
	if err := ua.transport.Connect(ctx); err != nil {
		return fmt.Errorf("user agent start: %w", err)
	}
	return nil
}

// Stop terminates active sessions, fails pending transactions and disconnects transport.
func (ua *UserAgent) Stop(ctx context.Context) error {
	ua.mu.Lock()
	if ua.state == UserAgentStateStopped {
		ua.mu.Unlock()
		return nil
	}
	ua.state = UserAgentStateStopped
	if ua.stopReconnect != nil {
		ua.stopReconnect()
	}
	sessions := make([]*Inviter, 0, len(ua.sessions))
	for _, s := range ua.sessions {
		sessions = append(sessions, s)
	}
	ua.mu.Unlock()

	ua.log.Info().Msg("Stopping user agent")
	for _, s := range sessions {
		if err := s.Hangup(ctx); err != nil {
			ua.log.Debug().Err(err).Str("call_id", s.CallID()).Msg("Session hangup on stop failed")
		}
	}

	ua.failTransactions(ErrUserAgentStopped)
	return ua.transport.Disconnect()
}

func (ua *UserAgent) onTransportState(state TransportState) {
	switch state {
	case TransportStateDisconnected:
		ua.failTransactions(ErrTransportNotConnected)

		ua.mu.Lock()
		if ua.state != UserAgentStateStarted || ua.reconnecting {
			ua.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		ua.reconnecting = true
		ua.stopReconnect = cancel
		ua.mu.Unlock()

		go ua.reconnect(ctx)
	}
}

func (ua *UserAgent) reconnect(ctx context.Context) {
	defer func() {
		ua.mu.Lock()
		ua.reconnecting = false
		ua.mu.Unlock()
	}()

	for attempt := 1; attempt <= ua.opts.ReconnectionAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(ua.opts.ReconnectionDelay):
		}

		ua.log.Info().Int("attempt", attempt).Msg("Reconnecting transport")
		err := ua.transport.Connect(ctx)
		if err == nil {
			return
		}
		ua.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
	}
	ua.log.Error().Int("attempts", ua.opts.ReconnectionAttempts).Msg("Giving up reconnecting transport")
}

func (ua *UserAgent) addSession(s *Inviter) {
	ua.mu.Lock()
	ua.sessions[s.CallID()] = s
	ua.mu.Unlock()
}

func (ua *UserAgent) removeSession(s *Inviter) {
	ua.mu.Lock()
	if ua.sessions[s.CallID()] == s {
		delete(ua.sessions, s.CallID())
	}
	ua.mu.Unlock()
}

func (ua *UserAgent) session(callID string) *Inviter {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.sessions[callID]
}

func (ua *UserAgent) handleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Response:
		ua.handleResponse(m)
	case *sip.Request:
		// Requests may block on media negotiation
		go ua.handleRequest(m)
	}
}

func (ua *UserAgent) handleRequest(req *sip.Request) {
	if cid := req.CallID(); cid != nil {
		if s := ua.session(cid.Value()); s != nil {
			s.handleRequest(req)
			return
		}
	}

	switch req.Method {
	case sip.ACK:
		return
	case sip.OPTIONS:
		ua.respond(req, sip.StatusOK, "OK")
	case sip.INVITE:
		ua.respond(req, sip.StatusBusyHere, "Busy Here")
	case sip.BYE, sip.CANCEL:
		ua.respond(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
	default:
		ua.respond(req, sip.StatusMethodNotAllowed, "Method Not Allowed")
	}
}

// respond sends response built from request. Body and extra headers are optional.
func (ua *UserAgent) respond(req *sip.Request, code int, reason string, headers ...sip.Header) {
	ua.respondWithBody(req, code, reason, nil, headers...)
}

func (ua *UserAgent) respondWithBody(req *sip.Request, code int, reason string, body []byte, headers ...sip.Header) {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil && code > 100 {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	res.AppendHeader(sip.NewHeader("User-Agent", ua.opts.UserAgentString))

	if err := ua.transport.Send(res); err != nil {
		ua.log.Error().Err(err).Str("req", req.StartLine()).Msg("Failed to send response")
	}
}
