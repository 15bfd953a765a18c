// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// RecordTrack decodes remote G711 track into 8kHz mono WAV until track ends or ctx is done.
// It returns number of PCM bytes written.
func RecordTrack(ctx context.Context, track *webrtc.TrackRemote, w io.WriteSeeker) (int64, error) {
	decode, err := decoderForCodec(track.Codec())
	if err != nil {
		return 0, err
	}

	ww := NewWavWriter(w)
	n, err := recordTrack(ctx, track, ww, decode)
	if cerr := ww.Close(); cerr != nil {
		return n, errors.Join(err, cerr)
	}
	return n, err
}

func recordTrack(ctx context.Context, track *webrtc.TrackRemote, ww *WavWriter, decode func(lpcm []byte, encoded []byte) (int, error)) (int64, error) {
	stop := context.AfterFunc(ctx, func() {
		// Unblocks pending read
		track.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 1500)
	lpcm := make([]byte, 2*1500)
	pkt := rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				return ww.DataSize(), nil
			}
			return ww.DataSize(), fmt.Errorf("read rtp: %w", err)
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			return ww.DataSize(), fmt.Errorf("unmarshal rtp: %w", err)
		}

		decoded, err := decode(lpcm, pkt.Payload)
		if err != nil {
			return ww.DataSize(), err
		}
		if _, err := ww.Write(lpcm[:decoded]); err != nil {
			return ww.DataSize(), err
		}
	}
}
