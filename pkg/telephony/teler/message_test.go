package teler_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MrWong99/callbridge/pkg/telephony/teler"
)

func TestDecode_Audio(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 0, 2, 0, 3, 0}
	frame := `{"type":"audio","data":{"audio_b64":"` + base64.StdEncoding.EncodeToString(pcm) + `"}}`

	msg, err := teler.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	am, ok := msg.(teler.AudioMessage)
	if !ok {
		t.Fatalf("got %T, want AudioMessage", msg)
	}
	if am.DecodeErr != nil {
		t.Errorf("DecodeErr = %v", am.DecodeErr)
	}
	if !bytes.Equal(am.PCM, pcm) {
		t.Errorf("PCM = %v, want %v", am.PCM, pcm)
	}
}

func TestDecode_AudioUnpadded(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 2, 3, 4}
	b64 := strings.TrimRight(base64.StdEncoding.EncodeToString(pcm), "=")
	msg, err := teler.Decode([]byte(`{"type":"audio","data":{"audio_b64":"` + b64 + `"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if am := msg.(teler.AudioMessage); !bytes.Equal(am.PCM, pcm) {
		t.Errorf("PCM = %v, want %v", am.PCM, pcm)
	}
}

func TestDecode_AudioCorruptPayload(t *testing.T) {
	t.Parallel()
	msg, err := teler.Decode([]byte(`{"type":"audio","data":{"audio_b64":"@@@@@"}}`))
	if err != nil {
		t.Fatalf("Decode should not fail the frame: %v", err)
	}
	am := msg.(teler.AudioMessage)
	if am.DecodeErr == nil {
		t.Error("expected DecodeErr for corrupt payload")
	}
	if len(am.PCM) != 0 {
		t.Errorf("PCM should be empty, got %d bytes", len(am.PCM))
	}
}

func TestDecode_Control(t *testing.T) {
	t.Parallel()
	msg, err := teler.Decode([]byte(`{"type":"stop","data":{"reason":"hangup"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cm, ok := msg.(teler.ControlMessage)
	if !ok {
		t.Fatalf("got %T, want ControlMessage", msg)
	}
	if cm.Type != "stop" {
		t.Errorf("Type = %q, want stop", cm.Type)
	}
	if !strings.Contains(string(cm.Data), "hangup") {
		t.Errorf("Data = %s, want raw payload preserved", cm.Data)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	t.Parallel()
	if _, err := teler.Decode([]byte(`{"type":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := teler.Decode([]byte(`{"type":"audio","data":"nope"}`)); err == nil {
		t.Error("expected error for malformed audio data")
	}
}

func TestEncodeAudio(t *testing.T) {
	t.Parallel()
	data, err := teler.EncodeAudio([]byte{0xAA, 0xBB}, 7)
	if err != nil {
		t.Fatalf("EncodeAudio: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "audio" {
		t.Errorf("type = %v", got["type"])
	}
	if got["audio_b64"] != base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB}) {
		t.Errorf("audio_b64 = %v", got["audio_b64"])
	}
	if got["chunk_id"] != float64(7) {
		t.Errorf("chunk_id = %v, want 7", got["chunk_id"])
	}
}

func TestEncodeClear(t *testing.T) {
	t.Parallel()
	data, err := teler.EncodeClear()
	if err != nil {
		t.Fatalf("EncodeClear: %v", err)
	}
	if string(data) != `{"type":"clear"}` {
		t.Errorf("got %s", data)
	}
}
