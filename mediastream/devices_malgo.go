//go:build with_malgo

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediastream

import (
	"context"
	"fmt"
	"runtime"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zaf/g711"
)

// MalgoDevices captures microphone with miniaudio
type MalgoDevices struct {
	log zerolog.Logger
}

// DefaultDevices returns microphone capture backend of this build
func DefaultDevices() Devices {
	return NewMalgoDevices()
}

func NewMalgoDevices() *MalgoDevices {
	return &MalgoDevices{
		log: log.Logger.With().Str("caller", "malgo").Logger(),
	}
}

func (d *MalgoDevices) GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	if constraints.Video {
		return nil, ErrVideoNotSupported
	}

	stream := NewStream()
	if !constraints.Audio {
		return stream, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		d.log.Debug().Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}

	freeContext := func() {
		if err := mctx.Uninit(); err != nil {
			d.log.Error().Err(err).Msg("Failed to uninit audio context")
		}
		mctx.Free()
	}

	track, err := NewAudioTrack("", stream.ID())
	if err != nil {
		freeContext()
		return nil, err
	}

	capCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	capCfg.Capture.Format = malgo.FormatS16
	capCfg.Capture.Channels = 1
	capCfg.SampleRate = SampleRate
	if runtime.GOOS == "linux" {
		capCfg.Alsa.NoMMap = 1
	}

	frameSize := FrameSamples * 2
	var lpcm []byte
	onData := func(_, input []byte, _ uint32) {
		lpcm = append(lpcm, input...)
		for len(lpcm) >= frameSize {
			frame := g711.EncodeUlaw(lpcm[:frameSize])
			lpcm = lpcm[frameSize:]
			if err := track.WriteFrame(frame); err != nil {
				return
			}
		}
	}

	device, err := malgo.InitDevice(mctx.Context, capCfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		freeContext()
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}
	d.log.Debug().Str("track", track.ID()).Msg("Capture device started")

	track.OnStop(func() {
		device.Uninit()
		freeContext()
		d.log.Debug().Str("track", track.ID()).Msg("Capture device stopped")
	})
	stream.AddTrack(track)
	return stream, nil
}
