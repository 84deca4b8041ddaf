package audio

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeBase64 decodes standard base64 audio payloads, tolerating missing
// '=' padding by padding the input up to the next multiple of four. On input
// that cannot be repaired it returns an empty (non-nil) slice together with
// the error so the caller can log it and keep going.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []byte{}, nil
	}
	if rem := len(s) % 4; rem != 0 {
		if rem == 1 {
			return []byte{}, fmt.Errorf("audio: base64 payload of length %d cannot be padded", len(s))
		}
		s += strings.Repeat("=", 4-rem)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return []byte{}, fmt.Errorf("audio: decode base64: %w", err)
	}
	return out, nil
}

// EncodeBase64 encodes PCM bytes with standard padded base64.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}
