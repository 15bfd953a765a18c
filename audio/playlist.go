// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/emiago/webphone/mediastream"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyPlaylist  = errors.New("playlist has no urls to loop")
	ErrUnsupportedWav = errors.New("unsupported wav")
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

type playlistState int

const (
	playlistAdvancing playlistState = iota
	playlistPlaying
	playlistFinished
)

type playerOptions struct {
	volume  int
	loop    bool
	onStart func()
	onEnd   func()
	onError func(err error)
	client  *http.Client
	log     zerolog.Logger
}

type PlayerOption func(o *playerOptions)

// WithVolume sets volume in percent 0..100. Values out of range are clamped
func WithVolume(volume int) PlayerOption {
	return func(o *playerOptions) {
		o.volume = max(0, min(volume, 100))
	}
}

// WithLoop restarts playlist from first url after last one
func WithLoop() PlayerOption {
	return func(o *playerOptions) {
		o.loop = true
	}
}

// WithOnStart is called every time player advances, including final advance past last url
func WithOnStart(f func()) PlayerOption {
	return func(o *playerOptions) {
		o.onStart = f
	}
}

// WithOnEnd is called once playlist finished without loop
func WithOnEnd(f func()) PlayerOption {
	return func(o *playerOptions) {
		o.onEnd = f
	}
}

// WithOnError is called when url fetch or decode fails. Playback is stopped after
func WithOnError(f func(err error)) PlayerOption {
	return func(o *playerOptions) {
		o.onError = f
	}
}

func WithHTTPClient(c *http.Client) PlayerOption {
	return func(o *playerOptions) {
		o.client = c
	}
}

func WithPlayerLogger(l zerolog.Logger) PlayerOption {
	return func(o *playerOptions) {
		o.log = l
	}
}

type player struct {
	urls   []string
	opts   playerOptions
	stream *mediastream.Stream
	track  *mediastream.LocalTrack
	index  int
}

// PlayAudioFromURLs returns stream with single audio track playing WAV urls one after another.
// Playback runs in background until playlist ends, ctx is canceled or stream is stopped.
// PCM WAV of 8, 16, 24 or 32 bit depth is supported. Audio is downmixed and resampled to 8000Hz.
// Empty playlist ends right away unless loop is requested, then ErrEmptyPlaylist is returned.
func PlayAudioFromURLs(ctx context.Context, urls []string, opts ...PlayerOption) (*mediastream.Stream, error) {
	o := playerOptions{
		volume: 100,
		client: http.DefaultClient,
		log:    log.Logger.With().Str("caller", "playlist").Logger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(urls) == 0 && o.loop {
		return nil, ErrEmptyPlaylist
	}

	stream := mediastream.NewStream()
	track, err := mediastream.NewAudioTrack("", stream.ID())
	if err != nil {
		return nil, err
	}
	stream.AddTrack(track)

	p := &player{
		urls:   append([]string(nil), urls...),
		opts:   o,
		stream: stream,
		track:  track,
	}
	go p.run(ctx)
	return stream, nil
}

func (p *player) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.track.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	state := playlistAdvancing
	for {
		if ctx.Err() != nil {
			p.opts.log.Debug().Msg("Playlist stopped")
			p.stream.Stop()
			return
		}

		switch state {
		case playlistAdvancing:
			if p.opts.onStart != nil {
				p.opts.onStart()
			}
			if p.index >= len(p.urls) {
				if !p.opts.loop {
					state = playlistFinished
					continue
				}
				p.index = 0
			}
			state = playlistPlaying

		case playlistPlaying:
			url := p.urls[p.index]
			p.opts.log.Debug().Str("url", url).Int("index", p.index).Msg("Playing url")
			if err := p.playURL(ctx, url); err != nil {
				if ctx.Err() != nil || errors.Is(err, mediastream.ErrTrackStopped) {
					p.opts.log.Debug().Msg("Playlist stopped")
					p.stream.Stop()
					return
				}
				p.fail(fmt.Errorf("play url=%q: %w", url, err))
				return
			}
			p.index++
			state = playlistAdvancing

		case playlistFinished:
			p.stream.Stop()
			if p.opts.onEnd != nil {
				p.opts.onEnd()
			}
			return
		}
	}
}

func (p *player) fail(err error) {
	p.opts.log.Error().Err(err).Msg("Playlist failed")
	p.stream.Stop()
	if p.opts.onError != nil {
		p.opts.onError(err)
	}
}

func (p *player) playURL(ctx context.Context, url string) error {
	body, err := p.fetch(ctx, url)
	if err != nil {
		return err
	}
	return p.streamWav(ctx, bytes.NewReader(body))
}

func (p *player) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	res, err := p.opts.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non 200 received. code=%d", res.StatusCode)
	}

	contType := res.Header.Get("Content-Type")
	mimeType, _, err := mime.ParseMediaType(contType)
	if err != nil {
		return nil, err
	}

	switch mimeType {
	case "audio/wav", "audio/x-wav", "audio/wav-x", "audio/vnd.wave", "application/octet-stream":
	default:
		return nil, fmt.Errorf("unsuported content type %q", contType)
	}
	return io.ReadAll(res.Body)
}

func (p *player) streamWav(ctx context.Context, body io.ReadSeeker) error {
	dec := wav.NewDecoder(body)
	if !dec.IsValidFile() {
		return fmt.Errorf("%w: invalid file", ErrUnsupportedWav)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return fmt.Errorf("%w: received format=%d, but only PCM supported", ErrUnsupportedWav, dec.WavAudioFormat)
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: received bitdepth=%d", ErrUnsupportedWav, dec.BitDepth)
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 {
		return fmt.Errorf("%w: missing channels or sample rate", ErrUnsupportedWav)
	}
	if err := dec.FwdToPCM(); err != nil {
		return err
	}

	channels := int(dec.NumChans)
	// Source is read in chunks of one frame duration
	chunkFrames := max(1, int(int64(dec.SampleRate)*int64(mediastream.FrameDuration)/int64(time.Second)))
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
		Data:           make([]int, chunkFrames*channels),
		SourceBitDepth: int(dec.BitDepth),
	}
	resampler := NewResampler(int(dec.SampleRate), mediastream.SampleRate)

	var mono, pending []int16
	pcm := make([]byte, mediastream.FrameSamples*2)
	ulaw := make([]byte, mediastream.FrameSamples)

	// Ticker has already correction for slow operation so this is enough
	ticker := time.NewTicker(mediastream.FrameDuration)
	defer ticker.Stop()
	eof := false
	for {
		for !eof && len(pending) < mediastream.FrameSamples {
			n, err := dec.PCMBuffer(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				eof = true
				break
			}
			chunk := &goaudio.IntBuffer{Format: buf.Format, Data: buf.Data[:n], SourceBitDepth: buf.SourceBitDepth}
			mono = Downmix(mono[:0], chunk)
			pending = resampler.Resample(pending, mono)
		}
		if len(pending) == 0 {
			return nil
		}

		// Last frame is padded with silence
		clear(pcm)
		frame := min(len(pending), mediastream.FrameSamples)
		PutSamples(pcm, pending[:frame])
		pending = append(pending[:0], pending[frame:]...)

		ScaleVolume(pcm, p.opts.volume)
		if _, err := EncodeUlawTo(ulaw, pcm); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.track.WriteFrame(ulaw); err != nil {
			return err
		}
	}
}
