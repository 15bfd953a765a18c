// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/webphone/sipws"
)

// Registerer is registration handle held by client. It is satisfied by *sipws.Registerer.
type Registerer interface {
	Register(ctx context.Context) error
	UnregisterNoWait(ctx context.Context) <-chan error
	State() sipws.RegistererState
	Dispose()
}

func (c *PhoneClient) defaultRegisterer() Registerer {
	return sipws.NewRegisterer(c.ua, sipws.RegistererOptions{
		Expires:        c.cfg.RegisterExpires,
		OnRefreshError: c.reportError,
	})
}

// onTransportState registers on every transport connect. Previous registerer is
// disposed without unregister and latest one replaces it.
func (c *PhoneClient) onTransportState(state sipws.TransportState) {
	c.metrics.transportState(state)
	if state != sipws.TransportStateConnected {
		return
	}

	c.regMu.Lock()
	if c.registerer != nil {
		c.registerer.Dispose()
	}
	r := c.newRegisterer()
	c.registerer = r
	c.regMu.Unlock()

	c.log.Debug().Msg("Registering")
	go func() {
		err := r.Register(context.Background())
		if errors.Is(err, sipws.ErrRegistererTerminated) {
			c.log.Debug().Msg("Registerer replaced before registration finished")
			return
		}
		c.metrics.registration(err)
		if err != nil {
			c.reportError(fmt.Errorf("register: %w", err))
			return
		}
		c.log.Info().Str("aor", c.ua.URI().String()).Msg("Registered")
	}()
}

// Registerer returns latest registerer or nil before first connect
func (c *PhoneClient) Registerer() Registerer {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.registerer
}
