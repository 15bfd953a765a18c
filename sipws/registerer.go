// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

type RegistererState string

const (
	RegistererStateUnregistered  RegistererState = "Unregistered"
	RegistererStateRegistering   RegistererState = "Registering"
	RegistererStateRegistered    RegistererState = "Registered"
	RegistererStateUnregistering RegistererState = "Unregistering"
	RegistererStateTerminated    RegistererState = "Terminated"
)

func (s RegistererState) String() string {
	return string(s)
}

var ErrRegistererTerminated = errors.New("registerer terminated")

// ResponseError is returned when request ends with non 2xx final response
type ResponseError struct {
	Request  *sip.Request
	Response *sip.Response

	Msg string
}

func (e *ResponseError) StatusCode() int {
	return int(e.Response.StatusCode)
}

func (e *ResponseError) Error() string {
	return e.Msg
}

type RegistererOptions struct {
	// Expires requested from registrar. Default 600s
	Expires time.Duration
	// RefreshInterval overrides refresh calculated from granted expiry
	RefreshInterval time.Duration
	AllowHeaders    []string
	// Registrar request uri. Default is user agent uri without user part
	Registrar *sip.Uri
	// OnRefreshError is called when background refresh fails
	OnRefreshError func(err error)
}

// Registerer keeps user agent binding on registrar.
type Registerer struct {
	ua   *UserAgent
	opts RegistererOptions
	log  zerolog.Logger
	fsm  *fsm.FSM

	registrar sip.Uri
	callID    string
	fromTag   string

	mu        sync.Mutex
	cseq      uint32
	expiry    time.Duration
	refresh   *time.Timer
	listeners []func(state RegistererState)
}

func NewRegisterer(ua *UserAgent, opts RegistererOptions) *Registerer {
	if opts.Expires == 0 {
		opts.Expires = 600 * time.Second
	}

	registrar := sip.Uri{
		Scheme: "sip",
		Host:   ua.opts.URI.Host,
		Port:   ua.opts.URI.Port,
	}
	if opts.Registrar != nil {
		registrar = *opts.Registrar
	}

	r := &Registerer{
		ua:        ua,
		opts:      opts,
		log:       ua.log.With().Str("caller", "Register").Logger(),
		registrar: registrar,
		callID:    uuid.NewString(),
		fromTag:   sip.GenerateTagN(16),
	}

	unregistered, registering := string(RegistererStateUnregistered), string(RegistererStateRegistering)
	registered, unregistering := string(RegistererStateRegistered), string(RegistererStateUnregistering)
	r.fsm = fsm.NewFSM(
		unregistered,
		fsm.Events{
			{Name: "register", Src: []string{unregistered}, Dst: registering},
			{Name: "registered", Src: []string{registering, registered}, Dst: registered},
			{Name: "failed", Src: []string{registering, registered}, Dst: unregistered},
			{Name: "unregister", Src: []string{registered}, Dst: unregistering},
			{Name: "unregistered", Src: []string{unregistering}, Dst: unregistered},
			{Name: "terminate", Src: []string{unregistered, registering, registered, unregistering}, Dst: string(RegistererStateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.emit(RegistererState(e.Dst))
			},
		},
	)
	return r
}

func (r *Registerer) State() RegistererState {
	return RegistererState(r.fsm.Current())
}

// Expiry is last granted registration expiry
func (r *Registerer) Expiry() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiry
}

func (r *Registerer) OnStateChange(f func(state RegistererState)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, f)
	r.mu.Unlock()
}

func (r *Registerer) emit(state RegistererState) {
	r.log.Debug().Str("state", state.String()).Msg("Registerer state changed")
	r.mu.Lock()
	listeners := append([]func(RegistererState){}, r.listeners...)
	r.mu.Unlock()
	for _, f := range listeners {
		f(state)
	}
}

func (r *Registerer) event(ctx context.Context, name string) error {
	err := r.fsm.Event(ctx, name)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Register sends REGISTER and schedules refresh before granted expiry.
// Calling it when registered refreshes binding.
func (r *Registerer) Register(ctx context.Context) error {
	switch r.State() {
	case RegistererStateTerminated:
		return ErrRegistererTerminated
	case RegistererStateRegistered:
	default:
		if err := r.event(ctx, "register"); err != nil {
			return fmt.Errorf("register in state %s: %w", r.State(), err)
		}
	}

	expiry, err := r.register(ctx, r.opts.Expires)
	if err != nil {
		r.event(context.Background(), "failed")
		return err
	}

	r.mu.Lock()
	r.expiry = expiry
	r.mu.Unlock()

	if err := r.event(context.Background(), "registered"); err != nil {
		// Disposed while waiting response
		if r.State() == RegistererStateTerminated {
			return ErrRegistererTerminated
		}
		return fmt.Errorf("registered in state %s: %w", r.State(), err)
	}
	r.scheduleRefresh(r.calcRetry(expiry))
	return nil
}

// Unregister removes binding with expires=0. It is allowed only when registered.
func (r *Registerer) Unregister(ctx context.Context) error {
	return <-r.UnregisterNoWait(ctx)
}

// UnregisterNoWait sends unregister request and returns without waiting response.
// Outcome is delivered on returned channel.
func (r *Registerer) UnregisterNoWait(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	if err := r.event(ctx, "unregister"); err != nil {
		errCh <- fmt.Errorf("unregister in state %s: %w", r.State(), err)
		return errCh
	}
	r.stopRefresh()

	req := r.newRequest(0)
	tx, err := r.ua.transactionRequest(req)
	if err != nil {
		r.event(context.Background(), "unregistered")
		errCh <- fmt.Errorf("fail to send req=%q: %w", req.StartLine(), err)
		return errCh
	}

	go func() {
		_, err := r.waitResponse(ctx, req, tx, 0)
		r.event(context.Background(), "unregistered")
		errCh <- err
	}()
	return errCh
}

// Dispose terminates registerer without network unregister
func (r *Registerer) Dispose() {
	r.stopRefresh()
	if r.State() == RegistererStateTerminated {
		return
	}
	if err := r.event(context.Background(), "terminate"); err != nil {
		r.log.Debug().Err(err).Msg("Dispose transition failed")
	}
}

func (r *Registerer) scheduleRefresh(retry time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refresh != nil {
		r.refresh.Stop()
	}
	r.refresh = time.AfterFunc(retry, func() {
		if r.State() != RegistererStateRegistered {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.ua.opts.TransactionTimeout)
		defer cancel()
		if err := r.Register(ctx); err != nil {
			r.log.Error().Err(err).Msg("Register refresh failed")
			if r.opts.OnRefreshError != nil {
				r.opts.OnRefreshError(err)
			}
		}
	})
}

func (r *Registerer) stopRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refresh != nil {
		r.refresh.Stop()
		r.refresh = nil
	}
}

func (r *Registerer) calcRetry(expiry time.Duration) time.Duration {
	// Allow caller to use own interval
	if r.opts.RefreshInterval != 0 {
		return r.opts.RefreshInterval
	}

	calc := expiry.Seconds() * 0.75
	retry := time.Duration(calc) * time.Second

	// Set to 30 in case retry is not set
	if retry == 0 {
		retry = 30 * time.Second
	}
	return retry
}

func (r *Registerer) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	req := r.newRequest(expires)
	tx, err := r.ua.transactionRequest(req)
	if err != nil {
		return 0, fmt.Errorf("fail to send req=%q: %w", req.StartLine(), err)
	}
	return r.waitResponse(ctx, req, tx, expires)
}

func (r *Registerer) newRequest(expires time.Duration) *sip.Request {
	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()

	aor := r.ua.opts.URI
	req := r.ua.newRequest(requestParams{
		method:    sip.REGISTER,
		recipient: r.registrar,
		to:        aor,
		fromTag:   r.fromTag,
		callID:    r.callID,
		cseq:      cseq,
	})

	seconds := int(expires.Seconds())
	contact := r.ua.contactHeader()
	contact.Params.Add("expires", strconv.Itoa(seconds))
	req.AppendHeader(contact)

	expiresHDR := sip.ExpiresHeader(seconds)
	req.AppendHeader(&expiresHDR)
	if r.opts.AllowHeaders != nil {
		req.AppendHeader(sip.NewHeader("Allow", strings.Join(r.opts.AllowHeaders, ", ")))
	}
	req.SetBody(nil)
	return req
}

func (r *Registerer) waitResponse(ctx context.Context, req *sip.Request, tx *clientTransaction, expires time.Duration) (time.Duration, error) {
	res, err := r.ua.waitResponse(ctx, tx, nil)
	if err == nil {
		res, err = r.ua.digestRetry(ctx, req, res, nil)
	}
	if err != nil {
		return 0, fmt.Errorf("fail to get response req=%q : %w", req.StartLine(), err)
	}

	// Keep CSeq in sync after digest retry
	r.mu.Lock()
	if c := req.CSeq(); c != nil && c.SeqNo > r.cseq {
		r.cseq = c.SeqNo
	}
	r.mu.Unlock()

	if !res.IsSuccess() {
		return 0, &ResponseError{
			Request:  req,
			Response: res,
			Msg:      res.StartLine(),
		}
	}

	return r.grantedExpiry(res, expires)
}

// grantedExpiry reads expiry from our Contact binding or Expires header.
func (r *Registerer) grantedExpiry(res *sip.Response, requested time.Duration) (time.Duration, error) {
	for _, h := range res.GetHeaders("Contact") {
		contact, ok := h.(*sip.ContactHeader)
		if !ok || contact.Address.User != r.ua.contactUser {
			continue
		}
		if val, ok := contact.Params.Get("expires"); ok {
			sec, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("failed to parse contact expires value: %w", err)
			}
			return time.Duration(sec) * time.Second, nil
		}
	}

	if h := res.GetHeader("Expires"); h != nil {
		val, err := strconv.Atoi(h.Value())
		if err != nil {
			return 0, fmt.Errorf("failed to parse server Expires value: %w", err)
		}
		return time.Duration(val) * time.Second, nil
	}
	return requested, nil
}
