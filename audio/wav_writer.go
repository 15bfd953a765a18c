// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"io"
)

const wavHeaderSize = 44

// WavWriter writes PCM into WAV container. Header sizes are finalized on Close.
type WavWriter struct {
	SampleRate int
	BitDepth   int
	NumChans   int

	W              io.WriteSeeker
	headersWritten bool
	dataSize       int64
}

// NewWavWriter creates writer for 8kHz 16 bit mono PCM
func NewWavWriter(w io.WriteSeeker) *WavWriter {
	return &WavWriter{
		SampleRate: 8000,
		BitDepth:   16,
		NumChans:   1,
		W:          w,
	}
}

func (ww *WavWriter) Write(pcm []byte) (int, error) {
	if !ww.headersWritten {
		if _, err := ww.writeHeader(); err != nil {
			return 0, err
		}
		ww.headersWritten = true
	}

	n, err := ww.W.Write(pcm)
	ww.dataSize += int64(n)
	return n, err
}

// DataSize is number of PCM bytes written
func (ww *WavWriter) DataSize() int64 {
	return ww.dataSize
}

func (ww *WavWriter) writeHeader() (int, error) {
	blockAlign := ww.BitDepth * ww.NumChans / 8

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(ww.dataSize+wavHeaderSize-8))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(ww.NumChans))
	binary.LittleEndian.PutUint32(header[24:28], uint32(ww.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(ww.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(ww.BitDepth))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(ww.dataSize))
	return ww.W.Write(header)
}

// Close rewrites header with final sizes. It does not close underlying writer.
func (ww *WavWriter) Close() error {
	if _, err := ww.W.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := ww.writeHeader(); err != nil {
		return err
	}
	ww.headersWritten = true
	_, err := ww.W.Seek(0, io.SeekEnd)
	return err
}
