// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediastream

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTrackStop(t *testing.T) {
	track, err := NewAudioTrack("", "stream")
	require.NoError(t, err)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, track.Kind())

	called := 0
	track.OnStop(func() { called++ })

	track.Stop()
	track.Stop()
	assert.Equal(t, 1, called)
	assert.True(t, track.Stopped())

	select {
	case <-track.Done():
	default:
		t.Fatal("done must be closed")
	}

	// Late subscriber is called immediately
	track.OnStop(func() { called++ })
	assert.Equal(t, 2, called)

	assert.ErrorIs(t, track.WriteFrame(make([]byte, FrameSamples)), ErrTrackStopped)
}

func TestStreamTracks(t *testing.T) {
	stream := NewStream()
	assert.NotEmpty(t, stream.ID())
	assert.Empty(t, stream.Tracks())
	assert.False(t, stream.Active())

	track, err := NewAudioTrack("mic", stream.ID())
	require.NoError(t, err)
	stream.AddTrack(track)

	require.Len(t, stream.AudioTracks(), 1)
	assert.Equal(t, "mic", stream.AudioTracks()[0].ID())
	assert.Equal(t, stream.ID(), track.StreamID())
	assert.True(t, stream.Active())

	stream.Stop()
	assert.False(t, stream.Active())
}

func TestSilentStream(t *testing.T) {
	stream, err := NewSilentStream()
	require.NoError(t, err)
	require.Len(t, stream.AudioTracks(), 1)

	// Let writer produce few frames without binding
	time.Sleep(3 * FrameDuration)
	stream.Stop()

	select {
	case <-stream.AudioTracks()[0].Done():
	case <-time.After(time.Second):
		t.Fatal("silent track did not stop")
	}
}

func TestDevicesFunc(t *testing.T) {
	var got Constraints
	devices := DevicesFunc(func(ctx context.Context, c Constraints) (*Stream, error) {
		got = c
		return NewStream(), nil
	})

	stream, err := devices.GetUserMedia(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	assert.NotNil(t, stream)
	assert.True(t, got.Audio)
}
