package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"time"
)

// WAV header is 44 bytes for standard PCM files.
const wavHeaderSize = 44

type wavInfo struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

var errNotWAV = errors.New("not a valid WAV file")

// readWAVInfo parses the canonical header and rewinds r so the header is
// still streamed; the recognizer needs it to detect the format.
func readWAVInfo(r io.ReadSeeker) (wavInfo, error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return wavInfo{}, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return wavInfo{}, err
	}
	return parseWAVHeader(header)
}

func parseWAVHeader(header []byte) (wavInfo, error) {
	if len(header) < wavHeaderSize || string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return wavInfo{}, errNotWAV
	}
	return wavInfo{
		Format:        binary.LittleEndian.Uint16(header[20:22]),
		Channels:      binary.LittleEndian.Uint16(header[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(header[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(header[34:36]),
	}, nil
}

func mimeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm;codecs=opus"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

func dataURL(mimeType string, chunk []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(chunk)
}

// streamChunks reads r in chunks of size bytes and calls send for each,
// sleeping interval between chunks to simulate real-time capture.
func streamChunks(ctx context.Context, r io.Reader, size int, interval time.Duration, send func([]byte) error) error {
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if serr := send(buf[:n]); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}
