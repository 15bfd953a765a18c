// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"strconv"
	"time"

	"github.com/pion/webrtc/v3"
)

// DefaultWebsocketPort is used when WSServer is not set
const DefaultWebsocketPort = 8089

type Config struct {
	// Username is user part of AOR sip:<Username>@<SIPServer>
	Username string
	// Login is digest authorization username. Username is used when empty
	Login    string
	Password string
	// SIPServer is registrar domain, optionally with port
	SIPServer string
	// WSServer is full websocket url. Default wss://<SIPServer>:8089/ws
	WSServer string

	DisplayName     string
	UserAgentString string

	// ICEServers default to public STUN. Use empty slice to disable.
	ICEServers []webrtc.ICEServer

	RegisterExpires      time.Duration
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	KeepAliveInterval    time.Duration
}

// WebsocketURL returns signaling server url. Empty WSServer is treated as not set.
func (c Config) WebsocketURL() string {
	if c.WSServer != "" {
		return c.WSServer
	}
	return "wss://" + c.SIPServer + ":" + strconv.Itoa(DefaultWebsocketPort) + "/ws"
}

func (c Config) AuthorizationUsername() string {
	if c.Login != "" {
		return c.Login
	}
	return c.Username
}
