package bridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/callbridge/internal/bridge/mock"
	"github.com/MrWong99/callbridge/internal/observe"
)

var _ Peer = (*mock.Peer)(nil)

const waitTimeout = 2 * time.Second

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterSum returns the sum of all data points of an Int64 counter, or of
// the points whose attribute key has value when key is non-empty.
func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: data is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// pcm returns n PCM16 samples of constant amplitude v.
func pcm(n int, v int16) []byte {
	b := make([]byte, 2*n)
	for i := range n {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func samplesOf(t *testing.T, b64 string) []int16 {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out
}

func mean(s []int16) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += float64(v)
	}
	return sum / float64(len(s))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// telerAudio builds an inbound Teler media frame.
func telerAudio(t *testing.T, samples []byte) []byte {
	return mustJSON(t, map[string]any{
		"type": "audio",
		"data": map[string]string{"audio_b64": base64.StdEncoding.EncodeToString(samples)},
	})
}

// audioDelta builds a realtime audio delta event.
func audioDelta(t *testing.T, samples []byte) []byte {
	return mustJSON(t, map[string]string{
		"type":  "response.output_audio.delta",
		"delta": base64.StdEncoding.EncodeToString(samples),
	})
}

func event(t *testing.T, typ string) []byte {
	return mustJSON(t, map[string]string{"type": typ})
}

func sessionCreated(t *testing.T) []byte {
	return mustJSON(t, map[string]any{
		"type": "session.created",
		"session": map[string]string{
			"id":                  "sess_test",
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
		},
	})
}

// wire is the union of the fields the tests inspect on written messages.
type wire struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio_b64"`
	ChunkID  *int   `json:"chunk_id"`
	Audio    string `json:"audio"`
	Session  *struct {
		Voice string `json:"voice"`
	} `json:"session"`
	Response *struct {
		Instructions string `json:"instructions"`
	} `json:"response"`
}

func decodeWire(t *testing.T, msgs [][]byte) []wire {
	t.Helper()
	out := make([]wire, len(msgs))
	for i, m := range msgs {
		if err := json.Unmarshal(m, &out[i]); err != nil {
			t.Fatalf("message %d: %v (%s)", i, err, m)
		}
	}
	return out
}

func types(ws []wire) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Type
	}
	return out
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
