// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emiago/webphone/mediastream"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, msf MediaStreamFactory) *Handler {
	factory := NewFactory(msf, Config{ICEServers: []webrtc.ICEServer{}})
	h, err := factory(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(h.DefaultClose)
	return h
}

func silentFactory(ctx context.Context, c mediastream.Constraints, h *Handler) (*mediastream.Stream, error) {
	return mediastream.NewSilentStream()
}

// answerPeer answers offer like remote gateway and keeps sending silence
func answerPeer(t *testing.T, offer string) (string, *webrtc.PeerConnection) {
	api, err := NewAPI()
	require.NoError(t, err)

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, "audio", "remote")
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}))
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(answer))
	<-gatherComplete

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		frame := make([]byte, 160)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
		}
	}()

	return pc.LocalDescription().SDP, pc
}

func TestHandlerGetDescription(t *testing.T) {
	var gotConstraints mediastream.Constraints
	h := newTestHandler(t, func(ctx context.Context, c mediastream.Constraints, h *Handler) (*mediastream.Stream, error) {
		gotConstraints = c
		return mediastream.NewSilentStream()
	})

	offer, err := h.GetDescription(context.Background(), Options{Constraints: mediastream.Constraints{Audio: true}})
	require.NoError(t, err)
	assert.True(t, gotConstraints.Audio)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "PCMU/8000")
	assert.NotNil(t, h.LocalMediaStream())
	assert.Len(t, h.PeerConnection().GetSenders(), 1)
	assert.Nil(t, h.DataChannel())
	assert.True(t, h.HasDescription("application/sdp"))
}

func TestHandlerGetDescriptionFactoryError(t *testing.T) {
	errNoMedia := errors.New("no media")
	h := newTestHandler(t, func(ctx context.Context, c mediastream.Constraints, h *Handler) (*mediastream.Stream, error) {
		return nil, errNoMedia
	})

	_, err := h.GetDescription(context.Background(), Options{Constraints: mediastream.Constraints{Audio: true}})
	require.ErrorIs(t, err, errNoMedia)
}

func TestHandlerEmptyStreamStillReceivesAudio(t *testing.T) {
	h := newTestHandler(t, func(ctx context.Context, c mediastream.Constraints, h *Handler) (*mediastream.Stream, error) {
		return mediastream.NewStream(), nil
	})

	offer, err := h.GetDescription(context.Background(), Options{Constraints: mediastream.Constraints{Audio: true}})
	require.NoError(t, err)
	assert.Contains(t, offer, "a=recvonly")
}

func TestHandlerDataChannel(t *testing.T) {
	h := newTestHandler(t, silentFactory)
	offer, err := h.GetDescription(context.Background(), Options{
		Constraints: mediastream.Constraints{Audio: true},
		DataChannel: true,
	})
	require.NoError(t, err)
	require.NotNil(t, h.DataChannel())
	assert.Equal(t, "sip", h.DataChannel().Label())
	assert.Contains(t, offer, "m=application")
}

func TestHandlerNegotiationOnTrack(t *testing.T) {
	h := newTestHandler(t, silentFactory)

	trackCh := make(chan *webrtc.TrackRemote, 1)
	h.SetPeerConnectionDelegate(PeerConnectionDelegate{
		OnTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			select {
			case trackCh <- track:
			default:
			}
		},
	})

	offer, err := h.GetDescription(context.Background(), Options{Constraints: mediastream.Constraints{Audio: true}})
	require.NoError(t, err)

	answer, _ := answerPeer(t, offer)
	require.NoError(t, h.SetDescription(context.Background(), answer))

	select {
	case track := <-trackCh:
		assert.Equal(t, webrtc.RTPCodecTypeAudio, track.Kind())
		assert.True(t, strings.EqualFold(webrtc.MimeTypePCMU, track.Codec().MimeType))
		assert.Len(t, h.RemoteMediaStream().AudioTracks(), 1)
	case <-time.After(10 * time.Second):
		t.Fatal("remote track not received")
	}
}

func TestHandlerCloseOverride(t *testing.T) {
	h := newTestHandler(t, silentFactory)

	calls := 0
	h.OverrideClose(func() { calls++ })
	h.Close()
	h.Close()
	assert.Equal(t, 2, calls)
	assert.NotEqual(t, webrtc.SignalingStateClosed, h.PeerConnection().SignalingState())
}

func TestHandlerDefaultClose(t *testing.T) {
	h := newTestHandler(t, silentFactory)
	_, err := h.GetDescription(context.Background(), Options{Constraints: mediastream.Constraints{Audio: true}})
	require.NoError(t, err)

	h.Close()
	h.Close()
	assert.Equal(t, webrtc.SignalingStateClosed, h.PeerConnection().SignalingState())
	assert.False(t, h.LocalMediaStream().Active())
}
