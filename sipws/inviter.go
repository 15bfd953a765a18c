// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/webphone/sdh"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

type InviterState string

const (
	InviterStateInitial      InviterState = "Initial"
	InviterStateEstablishing InviterState = "Establishing"
	InviterStateEstablished  InviterState = "Established"
	InviterStateTerminating  InviterState = "Terminating"
	InviterStateTerminated   InviterState = "Terminated"
)

func (s InviterState) String() string {
	return string(s)
}

var (
	ErrInviterCanceled   = errors.New("invite canceled")
	ErrInviterTerminated = errors.New("inviter terminated")
)

type InviterOptions struct {
	SessionDescriptionHandlerOptions sdh.Options
	// Headers are appended to INVITE
	Headers []sip.Header
	// OnProgress is called for each provisional response
	OnProgress func(res *sip.Response)
}

// Inviter is single outgoing call. Caller owns its lifecycle.
type Inviter struct {
	ua     *UserAgent
	target sip.Uri
	opts   InviterOptions
	log    zerolog.Logger
	fsm    *fsm.FSM

	callID  string
	fromTag string

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cseq         uint32
	canceled     bool
	handler      *sdh.Handler
	inviteReq    *sip.Request
	inviteRes    *sip.Response
	remoteTag    string
	remoteTarget sip.Uri
	routes       []string
	listeners    []func(state InviterState)
}

func NewInviter(ua *UserAgent, target sip.Uri, opts InviterOptions) *Inviter {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Inviter{
		ua:      ua,
		target:  target,
		opts:    opts,
		callID:  uuid.NewString(),
		fromTag: sip.GenerateTagN(16),
		ctx:     ctx,
		cancel:  cancel,
	}
	i.log = ua.log.With().Str("caller", "Inviter").Str("call_id", i.callID).Logger()

	initial, establishing := string(InviterStateInitial), string(InviterStateEstablishing)
	established, terminating := string(InviterStateEstablished), string(InviterStateTerminating)
	i.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "invite", Src: []string{initial}, Dst: establishing},
			{Name: "accepted", Src: []string{establishing}, Dst: established},
			{Name: "bye", Src: []string{established}, Dst: terminating},
			{Name: "terminate", Src: []string{initial, establishing, established, terminating}, Dst: string(InviterStateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				i.emit(InviterState(e.Dst))
			},
		},
	)
	return i
}

func (i *Inviter) Target() sip.Uri {
	return i.target
}

func (i *Inviter) CallID() string {
	return i.callID
}

func (i *Inviter) State() InviterState {
	return InviterState(i.fsm.Current())
}

// Context is done when inviter terminates
func (i *Inviter) Context() context.Context {
	return i.ctx
}

// SessionDescriptionHandler is available once Invite started
func (i *Inviter) SessionDescriptionHandler() *sdh.Handler {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handler
}

// InviteResponse is final response received for INVITE
func (i *Inviter) InviteResponse() *sip.Response {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inviteRes
}

func (i *Inviter) OnStateChange(f func(state InviterState)) {
	i.mu.Lock()
	i.listeners = append(i.listeners, f)
	i.mu.Unlock()
}

func (i *Inviter) emit(state InviterState) {
	i.log.Debug().Str("state", state.String()).Msg("Inviter state changed")
	i.mu.Lock()
	listeners := append([]func(InviterState){}, i.listeners...)
	i.mu.Unlock()
	for _, f := range listeners {
		f(state)
	}
}

func (i *Inviter) nextCSeq() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cseq++
	return i.cseq
}

// Invite sends INVITE with local offer and blocks until call is answered or fails.
func (i *Inviter) Invite(ctx context.Context) error {
	if err := i.fsm.Event(ctx, "invite"); err != nil {
		return fmt.Errorf("invite in state %s: %w", i.State(), err)
	}
	i.ua.addSession(i)

	if err := i.invite(ctx); err != nil {
		i.terminate()
		return err
	}
	return nil
}

func (i *Inviter) invite(ctx context.Context) error {
	factory := i.ua.opts.SessionDescriptionHandlerFactory
	if factory == nil {
		return ErrNoSDHFactory
	}

	h, err := factory(i.log)
	if err != nil {
		return fmt.Errorf("failed to create session description handler: %w", err)
	}
	i.mu.Lock()
	i.handler = h
	i.mu.Unlock()

	offer, err := h.GetDescription(ctx, i.opts.SessionDescriptionHandlerOptions)
	if err != nil {
		return fmt.Errorf("failed to get local description: %w", err)
	}

	req := i.ua.newRequest(requestParams{
		method:    sip.INVITE,
		recipient: i.target,
		to:        i.target,
		fromTag:   i.fromTag,
		callID:    i.callID,
		cseq:      i.nextCSeq(),
	})
	req.AppendHeader(i.ua.contactHeader())
	req.AppendHeader(sip.NewHeader("Content-Type", sdh.ContentTypeSDP))
	for _, h := range i.opts.Headers {
		req.AppendHeader(h)
	}
	req.SetBody([]byte(offer))

	i.mu.Lock()
	if i.canceled {
		i.mu.Unlock()
		return ErrInviterCanceled
	}
	i.inviteReq = req
	i.mu.Unlock()

	res, err := i.ua.doDigest(ctx, req, i.opts.OnProgress)
	if err != nil {
		return fmt.Errorf("invite failed: %w", err)
	}

	i.mu.Lock()
	i.inviteRes = res
	if c := req.CSeq(); c != nil && c.SeqNo > i.cseq {
		i.cseq = c.SeqNo
	}
	i.mu.Unlock()

	if !res.IsSuccess() {
		return &ResponseError{
			Request:  req,
			Response: res,
			Msg:      res.StartLine(),
		}
	}

	i.setDialog(res)
	if err := i.ack(req); err != nil {
		return err
	}

	if err := h.SetDescription(ctx, string(res.Body())); err != nil {
		i.log.Error().Err(err).Msg("Remote answer rejected, hanging up")
		i.sendBye(ctx)
		return err
	}

	if err := i.fsm.Event(ctx, "accepted"); err != nil {
		// Terminated by remote while negotiating
		return fmt.Errorf("invite accepted in state %s: %w", i.State(), err)
	}
	return nil
}

func (i *Inviter) setDialog(res *sip.Response) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if to := res.To(); to != nil {
		i.remoteTag, _ = to.Params.Get("tag")
	}
	i.remoteTarget = i.target
	if contact := res.Contact(); contact != nil {
		i.remoteTarget = contact.Address
	}

	// Route set is Record-Route in reverse order
	rr := res.GetHeaders("Record-Route")
	i.routes = make([]string, 0, len(rr))
	for j := len(rr) - 1; j >= 0; j-- {
		i.routes = append(i.routes, rr[j].Value())
	}
}

func (i *Inviter) newInDialogRequest(method sip.RequestMethod, cseq uint32) *sip.Request {
	i.mu.Lock()
	p := requestParams{
		method:    method,
		recipient: i.remoteTarget,
		to:        i.target,
		toTag:     i.remoteTag,
		fromTag:   i.fromTag,
		callID:    i.callID,
		cseq:      cseq,
		routes:    i.routes,
	}
	i.mu.Unlock()
	return i.ua.newRequest(p)
}

// ack confirms 2xx. ACK for 2xx is separate transaction with same CSeq number
func (i *Inviter) ack(invite *sip.Request) error {
	ack := i.newInDialogRequest(sip.ACK, invite.CSeq().SeqNo)
	ack.SetBody(nil)
	if err := i.ua.transport.Send(ack); err != nil {
		return fmt.Errorf("failed to send ACK: %w", err)
	}
	return nil
}

// Cancel cancels call that is not answered yet
func (i *Inviter) Cancel(ctx context.Context) error {
	if i.State() != InviterStateEstablishing {
		return fmt.Errorf("cancel in state %s: %w", i.State(), ErrInviterTerminated)
	}

	i.mu.Lock()
	i.canceled = true
	req := i.inviteReq
	i.mu.Unlock()

	if req == nil {
		// Invite not sent yet. It will stop before sending
		return nil
	}

	cancelReq := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancelReq.AppendHeader(req.Via().Clone())
	maxfwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxfwd)
	cancelReq.AppendHeader(sip.HeaderClone(req.From()))
	cancelReq.AppendHeader(sip.HeaderClone(req.To()))
	callID := sip.CallIDHeader(i.callID)
	cancelReq.AppendHeader(&callID)
	cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: req.CSeq().SeqNo, MethodName: sip.CANCEL})
	for _, h := range req.GetHeaders("Route") {
		cancelReq.AppendHeader(sip.NewHeader("Route", h.Value()))
	}
	cancelReq.SetBody(nil)

	res, err := i.ua.do(ctx, cancelReq, nil)
	if err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}
	if !res.IsSuccess() {
		return &ResponseError{Request: cancelReq, Response: res, Msg: res.StartLine()}
	}
	return nil
}

// Bye ends established call
func (i *Inviter) Bye(ctx context.Context) error {
	if err := i.fsm.Event(ctx, "bye"); err != nil {
		return fmt.Errorf("bye in state %s: %w", i.State(), err)
	}
	defer i.terminate()
	return i.sendBye(ctx)
}

func (i *Inviter) sendBye(ctx context.Context) error {
	bye := i.newInDialogRequest(sip.BYE, i.nextCSeq())
	bye.SetBody(nil)

	res, err := i.ua.doDigest(ctx, bye, nil)
	if err != nil {
		return fmt.Errorf("bye failed: %w", err)
	}
	if !res.IsSuccess() {
		return &ResponseError{Request: bye, Response: res, Msg: res.StartLine()}
	}
	return nil
}

// Hangup ends call in any state: cancel, bye or just dispose
func (i *Inviter) Hangup(ctx context.Context) error {
	switch i.State() {
	case InviterStateEstablishing:
		return i.Cancel(ctx)
	case InviterStateEstablished:
		return i.Bye(ctx)
	case InviterStateInitial:
		i.terminate()
	}
	return nil
}

func (i *Inviter) terminate() {
	if i.State() == InviterStateTerminated {
		return
	}
	if err := i.fsm.Event(context.Background(), "terminate"); err != nil {
		i.log.Debug().Err(err).Msg("Terminate transition failed")
		return
	}

	i.ua.removeSession(i)
	if h := i.SessionDescriptionHandler(); h != nil {
		h.Close()
	}
	i.cancel()
}

func (i *Inviter) handleRequest(req *sip.Request) {
	switch req.Method {
	case sip.BYE:
		i.ua.respond(req, sip.StatusOK, "OK")
		i.log.Info().Msg("Call ended by remote")
		i.terminate()
	case sip.ACK:
	case sip.INVITE:
		i.handleReinvite(req)
	case sip.CANCEL:
		i.ua.respond(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
	default:
		i.ua.respond(req, sip.StatusOK, "OK")
	}
}

func (i *Inviter) handleReinvite(req *sip.Request) {
	h := i.SessionDescriptionHandler()
	if i.State() != InviterStateEstablished || h == nil {
		i.ua.respond(req, 491, "Request Pending")
		return
	}

	if len(req.Body()) == 0 {
		// Offer-less reinvite, send current description
		sdp := h.PeerConnection().LocalDescription().SDP
		i.ua.respondWithBody(req, sip.StatusOK, "OK", []byte(sdp), i.ua.contactHeader(), sip.NewHeader("Content-Type", sdh.ContentTypeSDP))
		return
	}

	answer, err := h.AnswerDescription(i.ctx, string(req.Body()), i.opts.SessionDescriptionHandlerOptions)
	if err != nil {
		i.log.Error().Err(err).Msg("Failed to answer reinvite")
		i.ua.respond(req, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	i.ua.respondWithBody(req, sip.StatusOK, "OK", []byte(answer), i.ua.contactHeader(), sip.NewHeader("Content-Type", sdh.ContentTypeSDP))
}
