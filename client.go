// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/webphone/mediastream"
	"github.com/emiago/webphone/sdh"
	"github.com/emiago/webphone/sipws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PhoneClient is softphone bound to one account. It registers on every transport
// connect and creates outgoing calls.
type PhoneClient struct {
	cfg Config
	log zerolog.Logger
	ua  *sipws.UserAgent

	devices   mediastream.Devices
	gate      mediaGate
	observers observers
	onError   func(err error)
	metrics   *metrics

	regMu         sync.Mutex
	registerer    Registerer
	newRegisterer func() Registerer
}

type Option func(c *PhoneClient)

func WithLogger(l zerolog.Logger) Option {
	return func(c *PhoneClient) {
		c.log = l
	}
}

// WithMediaDevices sets capture devices. Nil devices make every call with media fail
// with ErrMediaUnavailable. Default is malgo microphone when built with tag with_malgo,
// otherwise none.
func WithMediaDevices(d mediastream.Devices) Option {
	return func(c *PhoneClient) {
		c.devices = d
	}
}

// WithErrorHandler receives background errors like failed registration
func WithErrorHandler(f func(err error)) Option {
	return func(c *PhoneClient) {
		c.onError = f
	}
}

func WithObserver(o Observer) Option {
	return func(c *PhoneClient) {
		c.observers.add(o)
	}
}

func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *PhoneClient) {
		c.metrics = newMetrics(reg)
	}
}

// New creates client. Nothing is sent to network before Start.
func New(cfg Config, opts ...Option) (*PhoneClient, error) {
	c := &PhoneClient{
		cfg:     cfg,
		log:     log.Logger.With().Str("caller", "webphone").Logger(),
		devices: mediastream.DefaultDevices(),
	}
	for _, o := range opts {
		o(c)
	}

	aor := "sip:" + cfg.Username + "@" + cfg.SIPServer
	uri, err := sipws.MakeURI(aor)
	if err != nil {
		return nil, &ConfigError{Field: "uri", Value: aor, Err: err}
	}

	ua, err := sipws.NewUserAgent(sipws.UserAgentOptions{
		URI:                   uri,
		DisplayName:           cfg.DisplayName,
		AuthorizationUsername: cfg.AuthorizationUsername(),
		AuthorizationPassword: cfg.Password,
		UserAgentString:       cfg.UserAgentString,
		Transport: sipws.TransportOptions{
			Server:            cfg.WebsocketURL(),
			KeepAliveInterval: cfg.KeepAliveInterval,
		},
		SessionDescriptionHandlerFactory: sdh.NewFactory(c.mediaStreamFactory, sdh.Config{
			ICEServers: cfg.ICEServers,
		}),
		ReconnectionAttempts: cfg.ReconnectionAttempts,
		ReconnectionDelay:    cfg.ReconnectionDelay,
		Logger:               &c.log,
	})
	if err != nil {
		return nil, &ConfigError{Field: "ws_server", Value: cfg.WebsocketURL(), Err: err}
	}
	c.ua = ua
	c.newRegisterer = c.defaultRegisterer
	ua.OnTransportStateChange(c.onTransportState)
	return c, nil
}

func (c *PhoneClient) UserAgent() *sipws.UserAgent {
	return c.ua
}

// Start connects user agent. It does not wait registration.
func (c *PhoneClient) Start(ctx context.Context) error {
	return c.ua.Start(ctx)
}

// Stop unregisters in background when registered and stops user agent.
// Unregister result is not awaited.
func (c *PhoneClient) Stop(ctx context.Context) error {
	r := c.Registerer()
	if r != nil {
		if r.State() == sipws.RegistererStateRegistered {
			c.log.Debug().Msg("Unregistering")
			errCh := r.UnregisterNoWait(context.Background())
			go func() {
				err := <-errCh
				if err == nil || errors.Is(err, sipws.ErrUserAgentStopped) || errors.Is(err, sipws.ErrTransportNotConnected) {
					return
				}
				c.reportError(fmt.Errorf("unregister: %w", err))
			}()
		} else {
			r.Dispose()
		}
	}
	return c.ua.Stop(ctx)
}

// MakeInviter creates audio call to number on configured SIP server.
// Caller owns returned inviter and must call Invite.
func (c *PhoneClient) MakeInviter(number string) (*sipws.Inviter, error) {
	target, err := sipws.MakeURI("sip:" + number + "@" + c.cfg.SIPServer)
	if err != nil {
		return nil, &ConfigError{Field: "target", Value: number, Err: err}
	}

	return sipws.NewInviter(c.ua, target, sipws.InviterOptions{
		SessionDescriptionHandlerOptions: sdh.Options{
			Constraints: mediastream.Constraints{Audio: true},
		},
	}), nil
}

// Subscribe adds observer for call media
func (c *PhoneClient) Subscribe(o Observer) (unsubscribe func()) {
	return c.observers.add(o)
}

func (c *PhoneClient) reportError(err error) {
	c.metrics.errorReported()
	c.log.Error().Err(err).Msg("Phone client error")
	if c.onError != nil {
		c.onError(err)
	}
}
