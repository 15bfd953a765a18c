// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package sipwstest provides in process SIP over WebSocket server acting as
// registrar and call answerer for tests.
package sipwstest

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gorilla/websocket"
)

// InviteAnswer is how server answers INVITE. Zero Code declines call.
type InviteAnswer struct {
	Code   int
	Reason string
	Body   []byte
	// Provisional responses sent before final, ex. 180
	Provisional []int
	// Delay before final response
	Delay time.Duration
}

type ServerOptions struct {
	// Credentials enable digest challenge on REGISTER and INVITE
	Auth *DigestAuth
	// Expires granted on REGISTER. Default is requested value
	Expires int
	// RegisterCode overrides REGISTER final response, ex. 403
	RegisterCode int
	// RegisterDelay holds REGISTER final response
	RegisterDelay time.Duration
	// OnInvite decides INVITE answer. Body of request is SDP offer
	OnInvite func(req *sip.Request) InviteAnswer
	// TLS serves wss with self signed certificate, see ClientTLSConfig
	TLS bool
}

type serverConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) send(msg sip.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteMessage(websocket.TextMessage, []byte(msg.String()))
}

type pendingInvite struct {
	req  *sip.Request
	tag  string
	conn *serverConn
	done bool
}

// Server is fake SIP over WebSocket server
type Server struct {
	*httptest.Server
	opts ServerOptions
	auth *digestAuthServer

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	requests []*sip.Request
	invites  map[string]*pendingInvite
	notify   chan struct{}
}

// NewServer starts server on random local port. It is closed on test cleanup.
func NewServer(t testing.TB, opts ServerOptions) *Server {
	s := &Server{
		opts:    opts,
		auth:    newDigestServer(),
		conns:   make(map[*serverConn]struct{}),
		invites: make(map[string]*pendingInvite),
		notify:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"sip"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if opts.TLS {
		s.Server = httptest.NewTLSServer(mux)
	} else {
		s.Server = httptest.NewServer(mux)
	}
	t.Cleanup(s.Close)
	return s
}

// WebsocketURL is ws or wss url with /ws path
func (s *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
}

// Host is host:port of server
func (s *Server) Host() string {
	return s.Listener.Addr().String()
}

// ClientTLSConfig trusts server certificate
func (s *Server) ClientTLSConfig() *tls.Config {
	roots := x509.NewCertPool()
	roots.AddCert(s.Certificate())
	return &tls.Config{RootCAs: roots}
}

func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// DropConnections closes all client connections without close handshake
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Connections returns number of open client connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Requests returns received requests with method. Empty method returns all.
func (s *Server) Requests(method sip.RequestMethod) []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reqs []*sip.Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// WaitRequests waits until n requests with method are received
func (s *Server) WaitRequests(method sip.RequestMethod, n int, timeout time.Duration) ([]*sip.Request, error) {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		notify := s.notify
		s.mu.Unlock()

		if reqs := s.Requests(method); len(reqs) >= n {
			return reqs, nil
		}

		select {
		case <-notify:
		case <-deadline:
			return s.Requests(method), fmt.Errorf("timeout waiting %d %s requests", n, method)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{Conn: c}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	parser := sip.NewParser()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}

		msg, err := parser.ParseSIP(data)
		if err != nil {
			continue
		}

		req, ok := msg.(*sip.Request)
		if !ok {
			// Responses to server requests are not tracked
			continue
		}
		s.record(req)
		s.handleRequest(conn, req)
	}
}

func (s *Server) record(req *sip.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

func (s *Server) handleRequest(conn *serverConn, req *sip.Request) {
	switch req.Method {
	case sip.REGISTER:
		if s.opts.RegisterDelay > 0 {
			go func() {
				time.Sleep(s.opts.RegisterDelay)
				s.handleRegister(conn, req)
			}()
			return
		}
		s.handleRegister(conn, req)
	case sip.INVITE:
		if res := s.authorize(req); res != nil {
			conn.send(res)
			return
		}
		go s.handleInvite(conn, req)
	case sip.CANCEL:
		s.handleCancel(conn, req)
	case sip.ACK:
	default:
		conn.send(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
}

func (s *Server) authorize(req *sip.Request) *sip.Response {
	if s.opts.Auth == nil {
		return nil
	}
	res, _ := s.auth.authorizeRequest(req, *s.opts.Auth)
	return res
}

func (s *Server) handleRegister(conn *serverConn, req *sip.Request) {
	if res := s.authorize(req); res != nil {
		conn.send(res)
		return
	}

	if s.opts.RegisterCode != 0 {
		conn.send(sip.NewResponseFromRequest(req, s.opts.RegisterCode, "Rejected", nil))
		return
	}

	expires := 0
	if h := req.GetHeader("Expires"); h != nil {
		expires, _ = strconv.Atoi(h.Value())
	}
	if s.opts.Expires > 0 && expires > 0 {
		expires = s.opts.Expires
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if contact := req.Contact(); contact != nil && expires > 0 {
		c := contact.Clone()
		c.Params.Add("expires", strconv.Itoa(expires))
		res.AppendHeader(c)
	}
	expiresHDR := sip.ExpiresHeader(expires)
	res.AppendHeader(&expiresHDR)
	conn.send(res)
}

func (s *Server) handleInvite(conn *serverConn, req *sip.Request) {
	pending := &pendingInvite{req: req, tag: sip.GenerateTagN(16), conn: conn}
	s.mu.Lock()
	s.invites[req.CallID().Value()] = pending
	s.mu.Unlock()

	conn.send(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	answer := InviteAnswer{Code: 603, Reason: "Decline"}
	if s.opts.OnInvite != nil {
		answer = s.opts.OnInvite(req)
	}

	for _, code := range answer.Provisional {
		s.respondInvite(pending, code, "Progress", nil)
	}
	if answer.Delay > 0 {
		time.Sleep(answer.Delay)
	}

	if answer.Code == 0 {
		answer.Code, answer.Reason = 603, "Decline"
	}
	if answer.Reason == "" {
		answer.Reason = "OK"
	}
	s.finishInvite(pending, answer.Code, answer.Reason, answer.Body)
}

func (s *Server) finishInvite(pending *pendingInvite, code int, reason string, body []byte) {
	s.mu.Lock()
	if pending.done {
		s.mu.Unlock()
		return
	}
	pending.done = true
	s.mu.Unlock()
	s.respondInvite(pending, code, reason, body)
}

func (s *Server) respondInvite(pending *pendingInvite, code int, reason string, body []byte) {
	res := sip.NewResponseFromRequest(pending.req, code, reason, body)
	if to := res.To(); to != nil {
		to.Params.Add("tag", pending.tag)
	}
	if code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: "pbx", Host: "127.0.0.1", UriParams: sip.NewParams(), Headers: sip.NewParams()},
			Params:  sip.NewParams(),
		})
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	pending.conn.send(res)
}

func (s *Server) handleCancel(conn *serverConn, req *sip.Request) {
	conn.send(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	s.mu.Lock()
	pending := s.invites[req.CallID().Value()]
	s.mu.Unlock()
	if pending == nil {
		return
	}
	s.finishInvite(pending, sip.StatusRequestTerminated, "Request Terminated", nil)
}

// Bye sends BYE to client for call answered by server
func (s *Server) Bye(callID string) error {
	s.mu.Lock()
	pending := s.invites[callID]
	s.mu.Unlock()
	if pending == nil {
		return fmt.Errorf("no call with id %q", callID)
	}

	invite := pending.req
	recipient := invite.Recipient
	if contact := invite.Contact(); contact != nil {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "WS",
		Host:            "127.0.0.1",
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	bye.AppendHeader(via)

	from := &sip.FromHeader{Address: invite.To().Address, Params: sip.NewParams()}
	from.Params.Add("tag", pending.tag)
	bye.AppendHeader(from)

	to := &sip.ToHeader{Address: invite.From().Address, Params: sip.NewParams()}
	if tag, ok := invite.From().Params.Get("tag"); ok {
		to.Params.Add("tag", tag)
	}
	bye.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	bye.AppendHeader(&cid)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	maxfwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxfwd)
	bye.SetBody(nil)
	return pending.conn.send(bye)
}
