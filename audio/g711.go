// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"io"
	"strings"

	"github.com/pion/webrtc/v3"
	"github.com/zaf/g711"
)

// EncodeUlawTo encodes 16 bit little endian PCM into ulaw
func EncodeUlawTo(ulaw []byte, lpcm []byte) (n int, err error) {
	if len(lpcm) > len(ulaw)*2 {
		return 0, io.ErrShortBuffer
	}

	for i, j := 0, 0; j <= len(lpcm)-2; i, j = i+1, j+2 {
		ulaw[i] = g711.EncodeUlawFrame(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

func DecodeUlawTo(lpcm []byte, ulaw []byte) (n int, err error) {
	return decodeTo(lpcm, ulaw, g711.DecodeUlawFrame)
}

func DecodeAlawTo(lpcm []byte, alaw []byte) (n int, err error) {
	return decodeTo(lpcm, alaw, g711.DecodeAlawFrame)
}

func decodeTo(lpcm []byte, encoded []byte, decodeFrame func(b uint8) int16) (n int, err error) {
	if len(lpcm) < 2*len(encoded) {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; i < len(encoded); i, j = i+1, j+2 {
		frame := decodeFrame(encoded[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}

// decoderForCodec returns G711 decoder for negotiated codec
func decoderForCodec(codec webrtc.RTPCodecParameters) (func(lpcm []byte, encoded []byte) (int, error), error) {
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypePCMU):
		return DecodeUlawTo, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypePCMA):
		return DecodeAlawTo, nil
	}
	return nil, fmt.Errorf("unsupported codec %q", codec.MimeType)
}
