package openai

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Client event type names.
const (
	EventSessionUpdate     = "session.update"
	EventResponseCreate    = "response.create"
	EventInputAudioAppend  = "input_audio_buffer.append"
	defaultAudioFormat     = "pcm16"
	defaultTurnDetection   = "server_vad"
	defaultTranscribeModel = "whisper-1"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	// Type is the detector kind. Defaults to "server_vad".
	Type string

	// Threshold is the activation threshold in [0, 1].
	Threshold float64

	// PrefixPaddingMs is how much audio before detected speech is kept.
	PrefixPaddingMs int

	// SilenceDurationMs is the trailing silence that ends a turn.
	SilenceDurationMs int
}

// SessionConfig is sent once per call in session.update.
type SessionConfig struct {
	Instructions string
	Voice        string

	// InputFormat / OutputFormat default to "pcm16" (24 kHz mono).
	InputFormat  string
	OutputFormat string

	// TranscriptionModel enables transcription of caller audio. Defaults to
	// "whisper-1".
	TranscriptionModel string

	TurnDetection TurnDetection

	// Modalities defaults to ["text", "audio"].
	Modalities []string
}

// ── Wire shapes (outgoing) ───────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
	Modalities              []string             `json:"modalities,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// EncodeSessionUpdate builds the session.update event for cfg, filling in
// pcm16 formats, whisper-1 transcription and server VAD where cfg leaves
// them empty.
func EncodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	params := sessionParams{
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  orDefault(cfg.InputFormat, defaultAudioFormat),
		OutputAudioFormat: orDefault(cfg.OutputFormat, defaultAudioFormat),
		InputAudioTranscription: &transcriptionParams{
			Model: orDefault(cfg.TranscriptionModel, defaultTranscribeModel),
		},
		TurnDetection: &turnDetectionParams{
			Type:              orDefault(cfg.TurnDetection.Type, defaultTurnDetection),
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMs:   cfg.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: cfg.TurnDetection.SilenceDurationMs,
		},
		Modalities: cfg.Modalities,
	}
	if len(params.Modalities) == 0 {
		params.Modalities = []string{"text", "audio"}
	}
	return marshal(sessionUpdateMessage{Type: EventSessionUpdate, Session: params})
}

// EncodeResponseCreate asks the model to respond now, e.g. to greet the
// caller before they have said anything.
func EncodeResponseCreate(instructions string) ([]byte, error) {
	return marshal(responseCreateMessage{
		Type:     EventResponseCreate,
		Response: responseParams{Instructions: instructions},
	})
}

// EncodeAppendAudio wraps caller audio in input_audio_buffer.append.
func EncodeAppendAudio(pcm []byte) ([]byte, error) {
	return marshal(appendAudioMessage{
		Type:  EventInputAudioAppend,
		Audio: audio.EncodeBase64(pcm),
	})
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal: %w", err)
	}
	return data, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
