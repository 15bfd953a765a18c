// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var ErrDigestAuthNoChallenge = errors.New("no digest challenge in response")

type DigestAuth struct {
	Username string
	Password string
}

// authorizeRequest answers 401/407 challenge. Request gets new branch and CSeq so
// it can be sent as new transaction.
func authorizeRequest(req *sip.Request, res *sip.Response, auth DigestAuth, newVia func() *sip.ViaHeader) error {
	challengeHDR, authHDR := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHDR, authHDR = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHDR)
	if h == nil {
		return ErrDigestAuthNoChallenge
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("fail to parse challenge %s=%q: %w", challengeHDR, h.Value(), err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: auth.Username,
		Password: auth.Password,
	})
	if err != nil {
		return fmt.Errorf("fail to build digest: %w", err)
	}

	req.RemoveHeader(authHDR)
	req.AppendHeader(sip.NewHeader(authHDR, cred.String()))

	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}

	req.RemoveHeader("Via")
	req.AppendHeader(newVia())
	return nil
}
