package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/config"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(realtimeURL, apiKey string) *config.Config {
	cfg := &config.Config{}
	cfg.Realtime.APIKey = apiKey
	cfg.Realtime.BaseURL = realtimeURL
	config.ApplyDefaults(cfg)
	return cfg
}

// startRealtimeServer launches a fake realtime service. It answers
// session.update with session.created, reads the greeting request and then
// hands the connection to script.
func startRealtimeServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		if typ := readType(ctx, conn); typ != "session.update" {
			t.Errorf("first realtime message = %q, want session.update", typ)
			return
		}
		created, _ := json.Marshal(map[string]any{
			"type":    "session.created",
			"session": map[string]string{"id": "sess_fake"},
		})
		if err := conn.Write(ctx, websocket.MessageText, created); err != nil {
			return
		}
		if typ := readType(ctx, conn); typ != "response.create" {
			t.Errorf("second realtime message = %q, want response.create", typ)
			return
		}
		script(ctx, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readType(ctx context.Context, conn *websocket.Conn) string {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return ""
	}
	var v struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &v)
	return v.Type
}

func startBridge(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	m, _ := newTestMetrics(t)
	bs := NewServer(ServerConfig{
		Config:  func() *config.Config { return cfg },
		Metrics: m,
	})
	srv := httptest.NewServer(bs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = bs.Shutdown(ctx)
		srv.Close()
	})
	return bs, srv
}

func TestServer_RejectsCallWithoutAPIKey(t *testing.T) {
	t.Parallel()
	_, srv := startBridge(t, testConfig("", ""))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v), want %v", got, err, websocket.StatusPolicyViolation)
	}
}

func TestServer_BridgesAudioToTelephony(t *testing.T) {
	t.Parallel()

	rtSrv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for range 3 {
			if err := conn.Write(ctx, websocket.MessageText, audioDelta(t, pcm(240, 1000))); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "response finished")
	})
	bs, srv := startBridge(t, testConfig(wsURL(rtSrv), "sk-test"))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var msg wire
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "audio" || msg.ChunkID == nil || *msg.ChunkID != 0 {
		t.Fatalf("message = %s", data)
	}
	if n := len(samplesOf(t, msg.AudioB64)); n != 240 {
		t.Errorf("chunk has %d samples, want 240", n)
	}

	// The realtime side hung up, so the bridge ends the call.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the call to end")
	}
	waitFor(t, "call teardown", func() bool { return bs.ActiveCalls() == 0 })
}

func TestServer_ShutdownEndsLiveCalls(t *testing.T) {
	t.Parallel()

	delta := audioDelta(t, pcm(240, 1000))
	rtSrv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// One full chunk, then stay silent until the bridge hangs up.
		for range 3 {
			if err := conn.Write(ctx, websocket.MessageText, delta); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	bs, srv := startBridge(t, testConfig(wsURL(rtSrv), "sk-test"))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// The phone keeps reading so it answers the close handshake.
	msgs := make(chan wire, 8)
	closed := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				closed <- err
				return
			}
			var m wire
			_ = json.Unmarshal(data, &m)
			msgs <- m
		}
	}()

	select {
	case m := <-msgs:
		if m.Type != "audio" {
			t.Fatalf("first message type = %q, want audio", m.Type)
		}
	case <-ctx.Done():
		t.Fatal("call never became active")
	}

	sctx, scancel := context.WithTimeout(context.Background(), waitTimeout)
	defer scancel()
	if err := bs.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := bs.ActiveCalls(); n != 0 {
		t.Errorf("active calls after shutdown = %d", n)
	}

	for m := range msgs {
		t.Errorf("unexpected message after the first chunk: %+v", m)
	}
	if got := websocket.CloseStatus(<-closed); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", got)
	}

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET after shutdown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown = %d, want 503", resp.StatusCode)
	}
}

func TestServer_HandshakeFailureClosesTelephony(t *testing.T) {
	t.Parallel()

	rtSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = readType(r.Context(), conn)
		errEvt := []byte(`{"type":"error","error":{"type":"invalid_request_error","code":"invalid_api_key","message":"Incorrect API key"}}`)
		_ = conn.Write(r.Context(), websocket.MessageText, errEvt)
		_ = readType(r.Context(), conn)
	}))
	t.Cleanup(rtSrv.Close)
	bs, srv := startBridge(t, testConfig(wsURL(rtSrv), "sk-wrong"))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Fatalf("close status = %v (err %v), want internal error", got, err)
	}
	waitFor(t, "call teardown", func() bool { return bs.ActiveCalls() == 0 })
}
