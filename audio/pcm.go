// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"math"

	goaudio "github.com/go-audio/audio"
)

// Sample16 converts decoded PCM sample of given source bit depth to 16 bit.
// 8 bit WAV samples are unsigned.
func Sample16(v int, bitDepth int) int16 {
	switch bitDepth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

// Downmix appends mono 16 bit samples of interleaved buffer to dst.
// Channel count and bit depth are taken from buffer, trailing partial frame is ignored.
func Downmix(dst []int16, buf *goaudio.IntBuffer) []int16 {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 1 {
		channels = buf.Format.NumChannels
	}

	for off := 0; off+channels <= len(buf.Data); off += channels {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(Sample16(buf.Data[off+ch], buf.SourceBitDepth))
		}
		dst = append(dst, int16(sum/int32(channels)))
	}
	return dst
}

// Resampler converts mono 16 bit stream between sample rates with linear interpolation.
// State is kept between calls so stream can be fed in chunks of any size.
type Resampler struct {
	step float64
	// position of next output sample, 0 is first sample of next input and -1 is last
	pos  float64
	last int16
}

func NewResampler(inRate int, outRate int) *Resampler {
	return &Resampler{step: float64(inRate) / float64(outRate)}
}

// Resample appends resampled src to dst
func (r *Resampler) Resample(dst []int16, src []int16) []int16 {
	if len(src) == 0 {
		return dst
	}
	if r.step == 1 {
		return append(dst, src...)
	}

	end := float64(len(src) - 1)
	for ; r.pos <= end; r.pos += r.step {
		fl := math.Floor(r.pos)
		i := int(fl)
		frac := r.pos - fl

		a := r.last
		if i >= 0 {
			a = src[i]
		}
		b := a
		if i+1 < len(src) {
			b = src[i+1]
		}
		dst = append(dst, int16(float64(a)+(float64(b)-float64(a))*frac))
	}
	r.pos -= float64(len(src))
	r.last = src[len(src)-1]
	return dst
}

// PutSamples writes samples as little endian 16 bit PCM. It returns bytes written.
func PutSamples(pcm []byte, samples []int16) int {
	n := 0
	for _, s := range samples {
		if n+2 > len(pcm) {
			break
		}
		binary.LittleEndian.PutUint16(pcm[n:], uint16(s))
		n += 2
	}
	return n
}

// ScaleVolume applies volume in percent on 16 bit PCM in place
func ScaleVolume(pcm []byte, volume int) {
	if volume == 100 {
		return
	}

	gain := float64(volume) / 100
	for i := 0; i+2 <= len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		var scaled int16
		switch {
		case s > 32767: // int16 max
			scaled = 32767
		case s < -32768:
			scaled = -32768
		default:
			scaled = int16(s)
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(scaled))
	}
}
