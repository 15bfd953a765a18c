// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipwstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/webphone/sdh"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Gateway answers calls with WebRTC peer that keeps sending PCMU silence,
// like media gateway of PBX would.
type Gateway struct {
	t testing.TB

	mu  sync.Mutex
	pcs []*webrtc.PeerConnection
}

func NewGateway(t testing.TB) *Gateway {
	return &Gateway{t: t}
}

// PeerConnections returns connections created for answered calls
func (g *Gateway) PeerConnections() []*webrtc.PeerConnection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*webrtc.PeerConnection{}, g.pcs...)
}

// OnInvite can be used as ServerOptions.OnInvite
func (g *Gateway) OnInvite(req *sip.Request) InviteAnswer {
	answer, err := g.answer(string(req.Body()))
	if err != nil {
		g.t.Logf("gateway failed to answer: %s", err)
		return InviteAnswer{Code: sip.StatusNotAcceptableHere, Reason: "Not Acceptable Here"}
	}
	return InviteAnswer{
		Code:        sip.StatusOK,
		Reason:      "OK",
		Body:        []byte(answer),
		Provisional: []int{sip.StatusRinging},
	}
}

func (g *Gateway) answer(offer string) (string, error) {
	api, err := sdh.NewAPI()
	if err != nil {
		return "", err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.pcs = append(g.pcs, pc)
	g.mu.Unlock()
	g.t.Cleanup(func() { pc.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, "audio", "gateway")
	if err != nil {
		return "", err
	}
	if _, err := pc.AddTrack(track); err != nil {
		return "", err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	<-gatherComplete

	ctx, cancel := context.WithCancel(context.Background())
	g.t.Cleanup(cancel)
	go func() {
		frame := make([]byte, 160)
		for i := range frame {
			frame[i] = 0xFF // ulaw silence
		}
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond}); err != nil {
				return
			}
		}
	}()

	return pc.LocalDescription().SDP, nil
}
