// Package teler implements the Teler media-stream wire format and a small
// REST client for Teler's call-control API.
//
// The media stream carries JSON text frames. Inbound audio arrives as
//
//	{"type":"audio","data":{"audio_b64":"<PCM16 @ 8 kHz>"}}
//
// and outbound audio is sent as
//
//	{"type":"audio","audio_b64":"<PCM16 @ 8 kHz>","chunk_id":N}
//
// together with {"type":"clear"} to drop audio the phone has queued but not
// yet played.
package teler

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Message types on the media stream.
const (
	TypeAudio = "audio"
	TypeClear = "clear"
)

// Message is a decoded inbound media-stream frame. The concrete type is
// either [AudioMessage] or [ControlMessage].
type Message interface {
	isMessage()
}

// AudioMessage carries caller audio.
type AudioMessage struct {
	// PCM is little-endian PCM16 mono audio. It may be empty if the payload
	// could not be decoded.
	PCM []byte

	// DecodeErr is set when the base64 payload was unrecoverable.
	DecodeErr error
}

// ControlMessage is any non-audio frame (call status, stream start/stop).
// The relay ignores these; they are surfaced for logging.
type ControlMessage struct {
	Type string
	Data json.RawMessage
}

func (AudioMessage) isMessage()   {}
func (ControlMessage) isMessage() {}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type audioData struct {
	AudioB64 string `json:"audio_b64"`
}

// Decode parses one inbound text frame. Malformed JSON returns an error; the
// caller decides whether that is fatal (the relay treats it as transient).
func Decode(data []byte) (Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("teler: decode frame: %w", err)
	}
	if f.Type != TypeAudio {
		return ControlMessage{Type: f.Type, Data: f.Data}, nil
	}

	var ad audioData
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &ad); err != nil {
			return nil, fmt.Errorf("teler: decode audio data: %w", err)
		}
	}
	pcm, err := audio.DecodeBase64(ad.AudioB64)
	return AudioMessage{PCM: pcm, DecodeErr: err}, nil
}

type outboundAudio struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio_b64"`
	ChunkID  int    `json:"chunk_id"`
}

type outboundClear struct {
	Type string `json:"type"`
}

// EncodeAudio builds an outbound audio frame.
func EncodeAudio(pcm []byte, chunkID int) ([]byte, error) {
	return json.Marshal(outboundAudio{
		Type:     TypeAudio,
		AudioB64: audio.EncodeBase64(pcm),
		ChunkID:  chunkID,
	})
}

// EncodeClear builds the barge-in instruction that discards queued playback.
func EncodeClear() ([]byte, error) {
	return json.Marshal(outboundClear{Type: TypeClear})
}
