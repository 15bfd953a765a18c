// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipwstest

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var (
	ErrDigestAuthNoChallenge = errors.New("no challenge")
	ErrDigestAuthBadCreds    = errors.New("bad credentials")
)

type DigestAuth struct {
	Username string
	Password string
	Realm    string
}

// digestAuthServer challenges requests and verifies credentials against issued nonces
type digestAuthServer struct {
	mu    sync.Mutex
	cache map[string]*digest.Challenge
}

func newDigestServer() *digestAuthServer {
	return &digestAuthServer{
		cache: make(map[string]*digest.Challenge),
	}
}

// authorizeRequest returns challenge or error response. Nil response means request is authorized.
func (s *digestAuthServer) authorizeRequest(req *sip.Request, auth DigestAuth) (*sip.Response, error) {
	h := req.GetHeader("Authorization")
	if h == nil {
		nonce, err := generateNonce()
		if err != nil {
			return sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil), err
		}

		chal := &digest.Challenge{
			Realm:     auth.Realm,
			Nonce:     nonce,
			Algorithm: "MD5",
		}

		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

		s.mu.Lock()
		s.cache[nonce] = chal
		s.mu.Unlock()
		return res, nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil), err
	}

	s.mu.Lock()
	chal, exists := s.cache[cred.Nonce]
	s.mu.Unlock()
	if !exists {
		return sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil), ErrDigestAuthNoChallenge
	}

	digCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: auth.Username,
		Password: auth.Password,
	})
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), err
	}

	if cred.Username != auth.Username || cred.Response != digCred.Response {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), ErrDigestAuthBadCreds
	}
	return nil, nil
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("could not generate nonce")
	}
	return base64.URLEncoding.EncodeToString(nonceBytes), nil
}
