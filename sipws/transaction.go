// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

type clientTransaction struct {
	key       string
	req       *sip.Request
	responses chan *sip.Response
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func (tx *clientTransaction) terminate(err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.err != nil {
		return
	}
	tx.err = err
	close(tx.done)
}

func (tx *clientTransaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

func transactionKey(branch string, method sip.RequestMethod) string {
	return branch + "__" + string(method)
}

func requestTransactionKey(req *sip.Request) (string, error) {
	via := req.Via()
	if via == nil {
		return "", fmt.Errorf("request has no Via header")
	}
	branch, _ := via.Params.Get("branch")
	if branch == "" {
		return "", fmt.Errorf("request Via has no branch")
	}
	return transactionKey(branch, req.Method), nil
}

func responseTransactionKey(res *sip.Response) (string, error) {
	via := res.Via()
	if via == nil {
		return "", fmt.Errorf("response has no Via header")
	}
	cseq := res.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("response has no CSeq header")
	}
	branch, _ := via.Params.Get("branch")
	return transactionKey(branch, cseq.MethodName), nil
}

func (ua *UserAgent) transactionRequest(req *sip.Request) (*clientTransaction, error) {
	key, err := requestTransactionKey(req)
	if err != nil {
		return nil, err
	}

	tx := &clientTransaction{
		key:       key,
		req:       req,
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}

	ua.mu.Lock()
	ua.transactions[key] = tx
	ua.mu.Unlock()

	if err := ua.transport.Send(req); err != nil {
		ua.removeTransaction(tx)
		return nil, err
	}
	return tx, nil
}

func (ua *UserAgent) removeTransaction(tx *clientTransaction) {
	ua.mu.Lock()
	if ua.transactions[tx.key] == tx {
		delete(ua.transactions, tx.key)
	}
	ua.mu.Unlock()
}

func (ua *UserAgent) failTransactions(err error) {
	ua.mu.Lock()
	txs := make([]*clientTransaction, 0, len(ua.transactions))
	for _, tx := range ua.transactions {
		txs = append(txs, tx)
	}
	ua.transactions = make(map[string]*clientTransaction)
	ua.mu.Unlock()

	for _, tx := range txs {
		tx.terminate(err)
	}
}

func (ua *UserAgent) handleResponse(res *sip.Response) {
	key, err := responseTransactionKey(res)
	if err != nil {
		ua.log.Warn().Err(err).Msg("Dropping response")
		return
	}

	ua.mu.Lock()
	tx := ua.transactions[key]
	ua.mu.Unlock()
	if tx == nil {
		ua.log.Debug().Str("res", res.StartLine()).Msg("Response without transaction")
		return
	}

	select {
	case tx.responses <- res:
	default:
		ua.log.Warn().Str("res", res.StartLine()).Msg("Transaction response queue full")
	}
}

// do sends request as client transaction and waits final response.
// For INVITE timer stops once provisional response is received.
func (ua *UserAgent) do(ctx context.Context, req *sip.Request, onProvisional func(res *sip.Response)) (*sip.Response, error) {
	tx, err := ua.transactionRequest(req)
	if err != nil {
		return nil, fmt.Errorf("fail to send req=%q: %w", req.StartLine(), err)
	}
	return ua.waitResponse(ctx, tx, onProvisional)
}

func (ua *UserAgent) waitResponse(ctx context.Context, tx *clientTransaction, onProvisional func(res *sip.Response)) (*sip.Response, error) {
	defer ua.removeTransaction(tx)
	req := tx.req

	timer := time.NewTimer(ua.opts.TransactionTimeout)
	defer timer.Stop()
	timeout := timer.C

	for {
		select {
		case res := <-tx.responses:
			if res.IsProvisional() {
				if req.Method == sip.INVITE {
					timeout = nil
				}
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}

			if req.Method == sip.INVITE && !res.IsSuccess() {
				ua.ackNon2xx(req, res)
			}
			return res, nil
		case <-timeout:
			return nil, fmt.Errorf("req=%q: %w", req.StartLine(), ErrTransactionTimeout)
		case <-tx.done:
			return nil, fmt.Errorf("req=%q: %w", req.StartLine(), tx.Err())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// doDigest is do with single retry on 401/407 challenge.
func (ua *UserAgent) doDigest(ctx context.Context, req *sip.Request, onProvisional func(res *sip.Response)) (*sip.Response, error) {
	res, err := ua.do(ctx, req, onProvisional)
	if err != nil {
		return nil, err
	}
	return ua.digestRetry(ctx, req, res, onProvisional)
}

func (ua *UserAgent) digestRetry(ctx context.Context, req *sip.Request, res *sip.Response, onProvisional func(res *sip.Response)) (*sip.Response, error) {
	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return res, nil
	}

	if ua.opts.AuthorizationUsername == "" {
		return res, nil
	}

	auth := DigestAuth{
		Username: ua.opts.AuthorizationUsername,
		Password: ua.opts.AuthorizationPassword,
	}
	if err := authorizeRequest(req, res, auth, ua.newVia); err != nil {
		return nil, err
	}
	return ua.do(ctx, req, onProvisional)
}

// ackNon2xx acknowledges INVITE final failure within same transaction (RFC 3261 17.1.1.3)
func (ua *UserAgent) ackNon2xx(invite *sip.Request, res *sip.Response) {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	if via := invite.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	maxfwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxfwd)
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		callID := sip.CallIDHeader(h.Value())
		ack.AppendHeader(&callID)
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	for _, h := range invite.GetHeaders("Route") {
		ack.AppendHeader(sip.NewHeader("Route", h.Value()))
	}
	ack.SetBody(nil)

	if err := ua.transport.Send(ack); err != nil {
		ua.log.Debug().Err(err).Msg("Failed to send ACK for failed INVITE")
	}
}
