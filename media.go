// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/webphone/mediastream"
	"github.com/emiago/webphone/sdh"
	"github.com/pion/webrtc/v3"
)

// mediaGate asks for microphone at most once per client.
// Lock is held across acquisition so concurrent sessions do not prompt twice.
type mediaGate struct {
	mu       sync.Mutex
	acquired bool
}

// acquire returns true only on call that did acquisition
func (g *mediaGate) acquire(ctx context.Context, devices mediastream.Devices) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquired {
		return false, nil
	}

	stream, err := devices.GetUserMedia(ctx, mediastream.Constraints{Audio: true})
	if err != nil {
		return false, fmt.Errorf("failed to get user media: %w", err)
	}
	// Only permission and device check is needed. Captured audio is never sent
	stream.Stop()
	g.acquired = true
	return true, nil
}

// mediaStreamFactory is bound to every session description handler of user agent.
func (c *PhoneClient) mediaStreamFactory(ctx context.Context, constraints mediastream.Constraints, h *sdh.Handler) (*mediastream.Stream, error) {
	if !constraints.Audio && !constraints.Video {
		return mediastream.NewStream(), nil
	}

	if c.devices == nil {
		return nil, ErrMediaUnavailable
	}

	acquired, err := c.gate.acquire(ctx, c.devices)
	if err != nil {
		return nil, err
	}
	if acquired {
		c.log.Info().Msg("Microphone acquired")
		c.metrics.mediaAcquired()
	}

	h.OverrideClose(func() { c.closeSession(h) })
	h.SetPeerConnectionDelegate(sdh.PeerConnectionDelegate{
		OnTrack: func(_ *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			c.emitSessionMedia(h)
		},
	})

	return mediastream.NewSilentStream()
}

// closeSession stops receivers, closes data channel and peer connection.
// It is safe to call multiple times.
func (c *PhoneClient) closeSession(h *sdh.Handler) {
	pc := h.PeerConnection()
	if pc == nil {
		return
	}

	for _, r := range pc.GetReceivers() {
		if err := r.Stop(); err != nil {
			c.log.Debug().Err(err).Msg("Failed to stop receiver")
		}
	}

	if dc := h.DataChannel(); dc != nil {
		if err := dc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Failed to close data channel")
		}
	}

	if pc.SignalingState() != webrtc.SignalingStateClosed {
		if err := pc.Close(); err != nil {
			c.log.Error().Err(err).Msg("Failed to close peer connection")
		}
	}

	if local := h.LocalMediaStream(); local != nil {
		local.Stop()
	}
}

// emitSessionMedia notifies observers with first remote audio track and first local
// audio sender. Missing one is not emitted.
func (c *PhoneClient) emitSessionMedia(h *sdh.Handler) {
	if tracks := h.RemoteMediaStream().AudioTracks(); len(tracks) > 0 {
		c.observers.emitTrack(tracks[0])
	}

	for _, s := range h.PeerConnection().GetSenders() {
		if t := s.Track(); t != nil && t.Kind() == webrtc.RTPCodecTypeAudio {
			c.observers.emitSender(s)
			break
		}
	}
}
