// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// viaHost is placeholder host. WebSocket clients are not reachable by address (RFC 7118 5.2)
const viaHost = "webphone.invalid"

// MakeURI parses SIP uri string
func MakeURI(s string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return uri, fmt.Errorf("invalid sip uri %q: %w", s, err)
	}
	if uri.Host == "" {
		return uri, fmt.Errorf("invalid sip uri %q: missing host", s)
	}
	return uri, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

func (ua *UserAgent) newVia() *sip.ViaHeader {
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       ua.transport.Protocol(),
		Host:            viaHost,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	return via
}

// ContactURI is address where this user agent receives requests
func (ua *UserAgent) ContactURI() sip.Uri {
	uri := sip.Uri{
		Scheme:    "sip",
		User:      ua.contactUser,
		Host:      viaHost,
		UriParams: sip.NewParams(),
		Headers:   sip.NewParams(),
	}
	uri.UriParams.Add("transport", "ws")
	return uri
}

func (ua *UserAgent) contactHeader() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: ua.ContactURI(),
		Params:  sip.NewParams(),
	}
}

type requestParams struct {
	method    sip.RequestMethod
	recipient sip.Uri
	to        sip.Uri
	toTag     string
	fromTag   string
	callID    string
	cseq      uint32
	routes    []string
}

func (ua *UserAgent) newRequest(p requestParams) *sip.Request {
	req := sip.NewRequest(p.method, p.recipient)
	req.AppendHeader(ua.newVia())

	maxfwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxfwd)

	for _, r := range p.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}

	from := &sip.FromHeader{
		DisplayName: ua.opts.DisplayName,
		Address:     ua.opts.URI,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", p.fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: p.to,
		Params:  sip.NewParams(),
	}
	if p.toTag != "" {
		to.Params.Add("tag", p.toTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(p.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.cseq, MethodName: p.method})
	req.AppendHeader(sip.NewHeader("User-Agent", ua.opts.UserAgentString))
	return req
}
