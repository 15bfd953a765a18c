// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/webphone/mediastream"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

const ContentTypeSDP = "application/sdp"

// MediaStreamFactory provides local stream for negotiation. It is called every time
// handler needs local media.
type MediaStreamFactory func(ctx context.Context, constraints mediastream.Constraints, h *Handler) (*mediastream.Stream, error)

// Factory creates handler per session
type Factory func(log zerolog.Logger) (*Handler, error)

type Config struct {
	// ICEServers default to DefaultICEServers when nil. Use empty slice to disable.
	ICEServers []webrtc.ICEServer
	// API is shared webrtc API. When nil NewAPI is used
	API *webrtc.API
}

type Options struct {
	Constraints mediastream.Constraints

	// DataChannel creates data channel on offer
	DataChannel      bool
	DataChannelLabel string

	// ICEGatheringTimeout is max wait for gathering. After it offer is sent with
	// candidates gathered so far
	ICEGatheringTimeout time.Duration
}

// PeerConnectionDelegate observes peer connection events
type PeerConnectionDelegate struct {
	OnTrack                    func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnICEConnectionStateChange func(state webrtc.ICEConnectionState)
}

// NewFactory returns factory creating handlers with the media stream factory
func NewFactory(msf MediaStreamFactory, conf Config) Factory {
	var once sync.Once
	var api *webrtc.API
	var apiErr error
	return func(log zerolog.Logger) (*Handler, error) {
		once.Do(func() {
			api = conf.API
			if api == nil {
				api, apiErr = NewAPI()
			}
		})
		if apiErr != nil {
			return nil, apiErr
		}
		return NewHandler(api, msf, conf, log)
	}
}

// Handler is session description handler. It owns single peer connection for the
// session and is closed when session terminates.
type Handler struct {
	pc  *webrtc.PeerConnection
	msf MediaStreamFactory
	log zerolog.Logger

	remoteStream *mediastream.RemoteStream

	mu            sync.Mutex
	dataChannel   *webrtc.DataChannel
	localStream   *mediastream.Stream
	delegate      PeerConnectionDelegate
	closeOverride func()
	closed        bool
}

func NewHandler(api *webrtc.API, msf MediaStreamFactory, conf Config, log zerolog.Logger) (*Handler, error) {
	iceServers := conf.ICEServers
	if iceServers == nil {
		iceServers = DefaultICEServers
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	h := &Handler{
		pc:           pc,
		msf:          msf,
		log:          log,
		remoteStream: &mediastream.RemoteStream{},
	}

	pc.OnTrack(h.onTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		h.log.Info().Str("state", state.String()).Msg("ICE state changed")
		h.mu.Lock()
		f := h.delegate.OnICEConnectionStateChange
		h.mu.Unlock()
		if f != nil {
			f(state)
		}
	})
	return h, nil
}

func (h *Handler) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	h.log.Info().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Str("mimeType", track.Codec().MimeType).Msg("Remote track started")
	h.remoteStream.AddTrack(track)

	h.mu.Lock()
	f := h.delegate.OnTrack
	h.mu.Unlock()
	if f != nil {
		f(track, receiver)
	}
}

func (h *Handler) PeerConnection() *webrtc.PeerConnection {
	return h.pc
}

// DataChannel returns nil if data channel was not requested
func (h *Handler) DataChannel() *webrtc.DataChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dataChannel
}

func (h *Handler) RemoteMediaStream() *mediastream.RemoteStream {
	return h.remoteStream
}

func (h *Handler) LocalMediaStream() *mediastream.Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localStream
}

func (h *Handler) SetPeerConnectionDelegate(d PeerConnectionDelegate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delegate = d
}

// OverrideClose replaces default close behavior. Close calls f on every invocation
// so f must be idempotent.
func (h *Handler) OverrideClose(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeOverride = f
}

// Close tears down media session
func (h *Handler) Close() {
	h.mu.Lock()
	f := h.closeOverride
	h.mu.Unlock()

	if f != nil {
		f()
		return
	}
	h.DefaultClose()
}

// DefaultClose stops local stream, receivers and closes peer connection. It is no-op on second call.
func (h *Handler) DefaultClose() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	local := h.localStream
	dc := h.dataChannel
	h.mu.Unlock()

	if local != nil {
		local.Stop()
	}

	for _, r := range h.pc.GetReceivers() {
		if err := r.Stop(); err != nil {
			h.log.Debug().Err(err).Msg("Failed to stop receiver")
		}
	}

	if dc != nil {
		if err := dc.Close(); err != nil {
			h.log.Debug().Err(err).Msg("Failed to close data channel")
		}
	}

	if h.pc.SignalingState() != webrtc.SignalingStateClosed {
		if err := h.pc.Close(); err != nil {
			h.log.Error().Err(err).Msg("Failed to close peer connection")
		}
	}
}

// HasDescription checks can handler process body with content type
func (h *Handler) HasDescription(contentType string) bool {
	return contentType == ContentTypeSDP
}

// GetDescription gets local media from factory, attaches it and returns SDP offer
func (h *Handler) GetDescription(ctx context.Context, opts Options) (string, error) {
	stream, err := h.msf(ctx, opts.Constraints, h)
	if err != nil {
		return "", fmt.Errorf("failed to get local media stream: %w", err)
	}

	if err := h.setLocalMediaStream(stream); err != nil {
		return "", err
	}

	if opts.DataChannel {
		if err := h.createDataChannel(opts.DataChannelLabel); err != nil {
			return "", err
		}
	}

	// Without local tracks we still want to receive requested audio
	if len(stream.AudioTracks()) == 0 && opts.Constraints.Audio && len(h.pc.GetTransceivers()) == 0 {
		if _, err := h.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return "", err
		}
	}

	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	// Create channel that is blocked until ICE Gathering is complete
	gatherComplete := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	if err := h.waitGathering(ctx, gatherComplete, opts.ICEGatheringTimeout); err != nil {
		return "", err
	}
	return h.pc.LocalDescription().SDP, nil
}

func (h *Handler) waitGathering(ctx context.Context, gatherComplete <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	h.log.Debug().Msg("Waiting ICE gathering")
	select {
	case <-gatherComplete:
	case <-time.After(timeout):
		h.log.Warn().Dur("timeout", timeout).Msg("ICE gathering timeout, using gathered candidates")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// AnswerDescription applies remote offer of renegotiation and returns SDP answer.
// Local media stream is kept.
func (h *Handler) AnswerDescription(ctx context.Context, sdp string, opts Options) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := h.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	if err := h.waitGathering(ctx, gatherComplete, opts.ICEGatheringTimeout); err != nil {
		return "", err
	}
	return h.pc.LocalDescription().SDP, nil
}

// SetDescription applies remote answer
func (h *Handler) SetDescription(ctx context.Context, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sd := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := h.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (h *Handler) setLocalMediaStream(stream *mediastream.Stream) error {
	h.mu.Lock()
	prev := h.localStream
	h.localStream = stream
	h.mu.Unlock()

	if prev != nil && prev != stream {
		prev.Stop()
	}

	senders := h.pc.GetSenders()
	for _, track := range stream.Tracks() {
		replaced := false
		for _, s := range senders {
			if s.Track() != nil && s.Track().Kind() == track.Kind() {
				if err := s.ReplaceTrack(track); err != nil {
					return fmt.Errorf("failed to replace track: %w", err)
				}
				replaced = true
				break
			}
		}
		if replaced {
			continue
		}

		sender, err := h.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add track: %w", err)
		}
		go h.readSenderRTCP(sender)
	}
	return nil
}

func (h *Handler) createDataChannel(label string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dataChannel != nil {
		return nil
	}

	if label == "" {
		label = "sip"
	}
	dc, err := h.pc.CreateDataChannel(label, nil)
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	h.dataChannel = dc
	return nil
}

// Read incoming RTCP packets
// Before these packets are returned they are processed by interceptors. For things
// like NACK this needs to be called.
func (h *Handler) readSenderRTCP(sender *webrtc.RTPSender) {
	h.log.Debug().Msg("Webrtc reading remote RTCP")
	defer h.log.Debug().Msg("Webrtc reading remote RTCP stopped")
	rtcpBuf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(rtcpBuf)
		if err != nil {
			return
		}

		pkts, err := rtcp.Unmarshal(rtcpBuf[:n])
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to unmarshal RTCP")
			continue
		}

		if RTCPDebug {
			for _, p := range pkts {
				h.log.Debug().Msgf("RTCP read:\n%v", p)
			}
		}
	}
}
