package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode marks a malformed inbound audio payload.
var ErrDecode = errors.New("decode error")

// DecodeDataURL returns the bytes of a base64 data URL such as
// "data:audio/webm;codecs=opus;base64,GkXf...". Only the part after the first
// comma is decoded.
func DecodeDataURL(dataURL string) ([]byte, error) {
	i := strings.IndexByte(dataURL, ',')
	if i < 0 {
		return nil, fmt.Errorf("%w: missing data URL separator", ErrDecode)
	}
	payload := strings.TrimSpace(dataURL[i+1:])
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}
