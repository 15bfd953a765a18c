// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediastream

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	// All local audio is produced as 8kHz mono and sent as PCMU
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 1000 * 20
)

var ErrTrackStopped = errors.New("track stopped")

// Constraints are media constraints requested by negotiation.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack is outgoing PCMU audio track. It can be attached to peer connection
// as it implements webrtc.TrackLocal.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	done    chan struct{}
	stopped bool
	onStop  []func()
}

func NewAudioTrack(id string, streamID string) (*LocalTrack, error) {
	if id == "" {
		id = "audio-" + uuid.NewString()
	}
	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: SampleRate},
		id,
		streamID,
	)
	if err != nil {
		return nil, err
	}

	return &LocalTrack{
		TrackLocalStaticSample: sample,
		done:                   make(chan struct{}),
	}, nil
}

// WriteFrame writes single encoded PCMU frame of FrameDuration
func (t *LocalTrack) WriteFrame(ulaw []byte) error {
	if t.Stopped() {
		return ErrTrackStopped
	}
	return t.WriteSample(media.Sample{Data: ulaw, Duration: FrameDuration})
}

// OnStop adds function called once track is stopped. It is called immediately if track is already stopped.
func (t *LocalTrack) OnStop(f func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		f()
		return
	}
	t.onStop = append(t.onStop, f)
	t.mu.Unlock()
}

// Stop ends track. Any producer writing to track should exit. Safe to call multiple times.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.done)
	funcs := t.onStop
	t.onStop = nil
	t.mu.Unlock()

	for _, f := range funcs {
		f()
	}
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Done is closed when track is stopped
func (t *LocalTrack) Done() <-chan struct{} {
	return t.done
}

// Stream groups local tracks, similar to browser MediaStream.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []*LocalTrack
}

func NewStream(tracks ...*LocalTrack) *Stream {
	return &Stream{
		id:     uuid.NewString(),
		tracks: tracks,
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) AddTrack(t *LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *Stream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []*LocalTrack {
	tracks := s.Tracks()
	audio := tracks[:0]
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			audio = append(audio, t)
		}
	}
	return audio
}

// Active is true as long any track is not stopped
func (s *Stream) Active() bool {
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// Stop stops all tracks
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteStream holds tracks received on peer connection
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) AddTrack(t *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *RemoteStream) AudioTracks() []*webrtc.TrackRemote {
	tracks := s.Tracks()
	audio := tracks[:0]
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			audio = append(audio, t)
		}
	}
	return audio
}
