package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/realtime/openai"
)

// telephonyReadLimit bounds one inbound Teler frame.
const telephonyReadLimit = 1 << 20

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Config returns the configuration snapshot for a new call. Calls keep
	// the snapshot they started with across hot reloads. Required.
	Config func() *config.Config

	// NewDialer builds the realtime dialer for a call. Default: an OpenAI
	// Realtime client built from the snapshot.
	NewDialer func(*config.Config) Dialer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Breaker, when set, guards every realtime dial.
	Breaker *resilience.CircuitBreaker

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server is the telephony media-stream endpoint. Each accepted WebSocket
// becomes one [CallSession], which runs on the request goroutine until the
// call ends.
type Server struct {
	cfg ServerConfig

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.NewDialer == nil {
		cfg.NewDialer = OpenAIDialer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, baseCtx: ctx, cancel: cancel}
}

// OpenAIDialer returns a [RealtimeDialer] for the realtime settings in cfg.
func OpenAIDialer(cfg *config.Config) Dialer {
	return RealtimeDialer{Client: openai.New(cfg.Realtime.APIKey,
		openai.WithModel(cfg.Realtime.Model),
		openai.WithBaseURL(cfg.Realtime.BaseURL),
	)}
}

// ServeHTTP accepts the telephony WebSocket and bridges the call.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("media stream: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(telephonyReadLimit)
	peer := NewWebSocketPeer(conn, "telephony")

	snap := s.cfg.Config()
	id := uuid.NewString()
	log = s.cfg.Logger.With("call_id", id)

	// The call outlives the request context once the connection is hijacked;
	// it ends with the call itself or on Shutdown. Keep the request span.
	ctx := trace.ContextWithSpan(s.baseCtx, trace.SpanFromContext(r.Context()))

	if snap.Realtime.APIKey == "" {
		log.Warn("rejecting call", "err", ErrNoAPIKey)
		_ = peer.Close(websocket.StatusPolicyViolation, "OpenAI API key not configured")
		s.cfg.Metrics.RecordCall(ctx, observe.OutcomeRejected, 0)
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)
	log.Info("media stream connected", "remote", r.RemoteAddr, "model", snap.Realtime.Model)

	session := NewCallSession(id, peer, s.cfg.NewDialer(snap), CallConfigFrom(snap),
		WithMetrics(s.cfg.Metrics),
		WithBreaker(s.cfg.Breaker),
		WithLogger(s.cfg.Logger),
	)
	// Run logs its own failures.
	_ = session.Run(ctx)
}

// track registers a request unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// ActiveCalls returns the number of calls currently bridged.
func (s *Server) ActiveCalls() int { return int(s.active.Load()) }

// Shutdown stops accepting calls, cancels the live ones and waits for them to
// flush and close, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
