package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Server event type names. Where the Realtime API renamed an event between
// the beta and GA protocol both spellings are listed.
const (
	EventSessionCreated          = "session.created"
	EventSessionUpdated          = "session.updated"
	EventSpeechStarted           = "input_audio_buffer.speech_started"
	EventSpeechStopped           = "input_audio_buffer.speech_stopped"
	EventOutputAudioDelta        = "response.output_audio.delta"
	EventAudioDeltaBeta          = "response.audio.delta"
	EventOutputTranscriptDelta   = "response.output_audio_transcript.delta"
	EventTranscriptDeltaBeta     = "response.audio_transcript.delta"
	EventInputTranscriptComplete = "conversation.item.input_audio_transcription.completed"
	EventResponseDone            = "response.done"
	EventResponseCompleted       = "response.completed"
	EventError                   = "error"
)

// Event is a decoded server event. Downstream code switches on the concrete
// type; every type string the bridge knows maps to exactly one of the structs
// below and everything else becomes [UnknownEvent].
type Event interface {
	EventType() string
}

// SessionCreated confirms the realtime session exists.
type SessionCreated struct {
	ID           string
	InputFormat  string
	OutputFormat string
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct{}

// SpeechStarted is sent by server VAD when the caller starts talking. The
// bridge treats it as barge-in.
type SpeechStarted struct {
	AudioStartMs int
}

// SpeechStopped is sent by server VAD when the caller stops talking.
type SpeechStopped struct {
	AudioEndMs int
}

// AudioDelta carries a slice of synthesised speech.
type AudioDelta struct {
	// PCM is little-endian PCM16 at the session's output rate. Empty when the
	// payload could not be decoded.
	PCM []byte

	// DecodeErr is set when the base64 payload was unrecoverable.
	DecodeErr error
}

// TranscriptDelta is a partial transcript of the assistant's speech.
type TranscriptDelta struct {
	Text string
}

// InputTranscript is the final transcript of a caller utterance.
type InputTranscript struct {
	Text string
}

// ResponseCompleted marks the end of an assistant response.
type ResponseCompleted struct {
	ID     string
	Status string
	Text   string
}

// ErrorEvent is a protocol-level error reported by the service. It is not
// necessarily fatal for the session.
type ErrorEvent struct {
	Type    string
	Code    string
	Message string
}

// UnknownEvent is any event type the bridge does not act on.
type UnknownEvent struct {
	Type string
}

func (SessionCreated) EventType() string    { return EventSessionCreated }
func (SessionUpdated) EventType() string    { return EventSessionUpdated }
func (SpeechStarted) EventType() string     { return EventSpeechStarted }
func (SpeechStopped) EventType() string     { return EventSpeechStopped }
func (AudioDelta) EventType() string        { return EventOutputAudioDelta }
func (TranscriptDelta) EventType() string   { return EventOutputTranscriptDelta }
func (InputTranscript) EventType() string   { return EventInputTranscriptComplete }
func (ResponseCompleted) EventType() string { return EventResponseDone }
func (ErrorEvent) EventType() string        { return EventError }
func (e UnknownEvent) EventType() string    { return e.Type }

// Error implements error so an ErrorEvent can be wrapped directly.
func (e ErrorEvent) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

// ── Wire shapes (incoming) ───────────────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.*audio.delta and response.*transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// input_audio_buffer.speech_started / speech_stopped
	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	Session  *sessionInfo       `json:"session,omitempty"`
	Response *responseInfo      `json:"response,omitempty"`
	Error    *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail represents the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type sessionInfo struct {
	ID                string `json:"id"`
	InputAudioFormat  string `json:"input_audio_format,omitempty"`
	OutputAudioFormat string `json:"output_audio_format,omitempty"`
	Audio             *struct {
		Input struct {
			Format struct {
				Type string `json:"type"`
			} `json:"format"`
		} `json:"input"`
		Output struct {
			Format struct {
				Type string `json:"type"`
			} `json:"format"`
		} `json:"output"`
	} `json:"audio,omitempty"`
}

type responseInfo struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	OutputText string `json:"output_text,omitempty"`
	Output     []struct {
		Content []struct {
			Text       string `json:"text,omitempty"`
			Transcript string `json:"transcript,omitempty"`
		} `json:"content"`
	} `json:"output,omitempty"`
}

// Decode parses one server event. Malformed JSON returns an error; unknown
// types decode to [UnknownEvent].
func Decode(data []byte) (Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("openai: decode event: %w", err)
	}

	switch evt.Type {
	case EventSessionCreated:
		return decodeSessionCreated(evt.Session), nil

	case EventSessionUpdated:
		return SessionUpdated{}, nil

	case EventSpeechStarted:
		return SpeechStarted{AudioStartMs: evt.AudioStartMs}, nil

	case EventSpeechStopped:
		return SpeechStopped{AudioEndMs: evt.AudioEndMs}, nil

	case EventOutputAudioDelta, EventAudioDeltaBeta:
		pcm, err := audio.DecodeBase64(evt.Delta)
		return AudioDelta{PCM: pcm, DecodeErr: err}, nil

	case EventOutputTranscriptDelta, EventTranscriptDeltaBeta:
		return TranscriptDelta{Text: evt.Delta}, nil

	case EventInputTranscriptComplete:
		return InputTranscript{Text: evt.Transcript}, nil

	case EventResponseDone, EventResponseCompleted:
		return decodeResponse(evt.Response), nil

	case EventError:
		e := ErrorEvent{}
		if evt.Error != nil {
			e.Type = evt.Error.Type
			e.Code = evt.Error.Code
			e.Message = evt.Error.Message
		}
		return e, nil

	default:
		return UnknownEvent{Type: evt.Type}, nil
	}
}

func decodeSessionCreated(s *sessionInfo) SessionCreated {
	if s == nil {
		return SessionCreated{}
	}
	sc := SessionCreated{
		ID:           s.ID,
		InputFormat:  s.InputAudioFormat,
		OutputFormat: s.OutputAudioFormat,
	}
	if s.Audio != nil {
		if t := s.Audio.Input.Format.Type; t != "" {
			sc.InputFormat = t
		}
		if t := s.Audio.Output.Format.Type; t != "" {
			sc.OutputFormat = t
		}
	}
	return sc
}

func decodeResponse(r *responseInfo) ResponseCompleted {
	if r == nil {
		return ResponseCompleted{}
	}
	rc := ResponseCompleted{ID: r.ID, Status: r.Status, Text: r.OutputText}
	if rc.Text != "" {
		return rc
	}
	var sb strings.Builder
	for _, item := range r.Output {
		for _, c := range item.Content {
			text := c.Text
			if text == "" {
				text = c.Transcript
			}
			sb.WriteString(text)
		}
	}
	rc.Text = sb.String()
	return rc
}
