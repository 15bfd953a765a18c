// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediastream

import (
	"time"

	"github.com/zaf/g711"
)

// NewSilentStream creates placeholder stream with one audio track producing silence
// until track is stopped.
func NewSilentStream() (*Stream, error) {
	stream := NewStream()
	track, err := NewAudioTrack("", stream.ID())
	if err != nil {
		return nil, err
	}
	stream.AddTrack(track)

	go writeSilence(track)
	return stream, nil
}

func writeSilence(track *LocalTrack) {
	frame := g711.EncodeUlaw(make([]byte, FrameSamples*2))

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		if err := track.WriteFrame(frame); err != nil {
			return
		}
	}
}
