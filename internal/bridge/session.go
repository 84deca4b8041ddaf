package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/realtime/openai"
)

// SessionState is the lifecycle stage of a [CallSession].
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionNegotiating
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionNegotiating:
		return "negotiating"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("session(%d)", int(s))
	}
}

// Dialer opens the realtime side of a call.
type Dialer interface {
	Dial(ctx context.Context) (Peer, error)
}

// RealtimeDialer dials the OpenAI Realtime API.
type RealtimeDialer struct {
	Client *openai.Client
}

var _ Dialer = RealtimeDialer{}

// Dial implements [Dialer].
func (d RealtimeDialer) Dial(ctx context.Context) (Peer, error) {
	conn, err := d.Client.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return NewWebSocketPeer(conn, "realtime"), nil
}

// CallConfig is the per-call configuration snapshot.
type CallConfig struct {
	Session          openai.SessionConfig
	Greeting         string
	HandshakeTimeout time.Duration
	Inbound          RelayConfig
	Outbound         RelayConfig
}

// CallConfigFrom derives a CallConfig from the application configuration.
func CallConfigFrom(cfg *config.Config) CallConfig {
	rt := cfg.Realtime
	relay := RelayConfig{
		TelephonyRate: cfg.Telephony.SampleRate,
		RealtimeRate:  rt.SampleRate,
		MaxChunkBytes: cfg.Relay.MaxChunkBytes,
		FlushTimeout:  cfg.Relay.FlushTimeout,
	}
	in, out := relay, relay
	in.ChunkBlocks = cfg.Relay.InboundChunkBlocks
	out.ChunkBlocks = cfg.Relay.OutboundChunkBlocks
	out.FirstChunkID = cfg.Relay.FirstChunkID

	return CallConfig{
		Session: openai.SessionConfig{
			Instructions:       rt.Instructions,
			Voice:              rt.Voice,
			TranscriptionModel: rt.TranscriptionModel,
			TurnDetection: openai.TurnDetection{
				Threshold:         rt.TurnDetection.Threshold,
				PrefixPaddingMs:   rt.TurnDetection.PrefixPaddingMs,
				SilenceDurationMs: rt.TurnDetection.SilenceDurationMs,
			},
		},
		Greeting:         rt.Greeting,
		HandshakeTimeout: rt.HandshakeTimeout,
		Inbound:          in,
		Outbound:         out,
	}
}

// SessionOption configures a [CallSession].
type SessionOption func(*CallSession)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *CallSession) { s.metrics = m }
}

// WithBreaker guards the realtime dial with cb.
func WithBreaker(cb *resilience.CircuitBreaker) SessionOption {
	return func(s *CallSession) { s.breaker = cb }
}

// WithLogger sets the base logger; the call id is added to it.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *CallSession) { s.log = l }
}

// CallSession supervises one bridged phone call. It owns both peers and
// closes each exactly once, whatever happens during the call.
type CallSession struct {
	id        string
	telephony Peer
	dialer    Dialer
	cfg       CallConfig
	metrics   *observe.Metrics
	breaker   *resilience.CircuitBreaker
	log       *slog.Logger

	mu       sync.Mutex
	state    SessionState
	realtime Peer
	inbound  *InboundRelay
	outbound *OutboundRelay

	closeOnce sync.Once
}

// NewCallSession creates a session for an accepted telephony connection.
func NewCallSession(id string, telephony Peer, dialer Dialer, cfg CallConfig, opts ...SessionOption) *CallSession {
	s := &CallSession{
		id:        id,
		telephony: telephony,
		dialer:    dialer,
		cfg:       cfg,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("call_id", id)
	return s
}

// ID returns the call id.
func (s *CallSession) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *CallSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setState(st SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Debug("call state changed", "from", from.String(), "to", st.String())
}

// Stats returns the counters of both relays. Both are zero until the call
// reaches [SessionActive].
func (s *CallSession) Stats() (inbound, outbound RelayStats) {
	s.mu.Lock()
	in, out := s.inbound, s.outbound
	s.mu.Unlock()
	if in != nil {
		inbound = in.Stats()
	}
	if out != nil {
		outbound = out.Stats()
	}
	return inbound, outbound
}

// Run drives the call to completion and blocks until both peers are closed.
// A peer hanging up or ctx being cancelled ends the call normally and
// returns nil; cancellation before the call is active is recorded as
// [observe.OutcomeCancelled]. Dial, negotiation and relay failures are returned; a panic in
// any stage is recovered and returned as an error wrapping [ErrRelayPanic].
func (s *CallSession) Run(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "call",
		trace.WithAttributes(attribute.String("call.id", s.id)),
	)
	defer span.End()
	ctx = observe.WithLogger(ctx, s.log)

	s.metrics.ActiveCalls.Add(ctx, 1)
	defer s.metrics.ActiveCalls.Add(ctx, -1)

	var (
		outcome  = observe.OutcomeRelayError
		activeAt time.Time
	)
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("call panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrRelayPanic, p)
			outcome = observe.OutcomeRelayError
		}

		s.setState(SessionClosing)
		code, reason := websocket.StatusNormalClosure, "call ended"
		if err != nil {
			code, reason = websocket.StatusInternalError, "call failed"
		}
		s.closePeers(code, reason)
		s.setState(SessionClosed)

		var seconds float64
		if !activeAt.IsZero() {
			seconds = time.Since(activeAt).Seconds()
		}
		s.metrics.RecordCall(ctx, outcome, seconds)
		span.SetAttributes(attribute.String("call.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.Warn("call ended with error", "outcome", outcome, "err", err)
		} else {
			s.log.Info("call ended", "outcome", outcome, "duration_s", seconds)
		}
	}()

	outcome, err = s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Info("call cancelled during setup", "stage", outcome, "err", err)
			outcome = observe.OutcomeCancelled
			return nil
		}
		return err
	}

	activeAt = time.Now()
	s.setState(SessionActive)
	s.log.Info("call active")

	if err := s.relay(ctx); err != nil {
		outcome = observe.OutcomeRelayError
		return err
	}
	outcome = observe.OutcomeCompleted
	return nil
}

// connect dials the realtime peer and negotiates the session. The returned
// outcome is only meaningful when err is non-nil.
func (s *CallSession) connect(ctx context.Context) (string, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "call.handshake")
	defer span.End()

	s.setState(SessionConnecting)
	dctx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	dial := func() (Peer, error) { return s.dialer.Dial(dctx) }
	var (
		rt  Peer
		err error
	)
	if s.breaker != nil {
		rt, err = resilience.Call(s.breaker, dial)
	} else {
		rt, err = dial()
	}
	if err != nil {
		span.RecordError(err)
		return observe.OutcomeDialFailed, fmt.Errorf("bridge: dial realtime: %w", err)
	}
	s.mu.Lock()
	s.realtime = rt
	s.mu.Unlock()

	s.setState(SessionNegotiating)
	neg := NewNegotiator(rt, NegotiatorConfig{
		Session:  s.cfg.Session,
		Greeting: s.cfg.Greeting,
		Timeout:  s.cfg.HandshakeTimeout,
	})
	if _, err := neg.Negotiate(ctx); err != nil {
		span.RecordError(err)
		return observe.OutcomeHandshakeFailed, err
	}

	s.metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())
	return "", nil
}

// relay runs both directions until the first one returns, then cancels the
// other and waits for its flush.
func (s *CallSession) relay(ctx context.Context) error {
	s.mu.Lock()
	rt := s.realtime
	s.inbound = NewInboundRelay(s.telephony, rt, s.cfg.Inbound, s.metrics)
	s.outbound = NewOutboundRelay(rt, s.telephony, s.cfg.Outbound, s.metrics)
	in, out := s.inbound, s.outbound
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(s.guard(ctx, cancel, DirectionInbound, in.Run))
	g.Go(s.guard(ctx, cancel, DirectionOutbound, out.Run))
	err := g.Wait()

	inStats, outStats := in.Stats(), out.Stats()
	s.log.Debug("relays stopped",
		"inbound_frames", inStats.Frames,
		"inbound_chunks", inStats.Chunks,
		"outbound_frames", outStats.Frames,
		"outbound_chunks", outStats.Chunks,
		"barge_ins", outStats.BargeIns,
	)
	return err
}

// guard wraps a relay so that its return, for any reason, cancels the
// sibling, and a panic becomes an error.
func (s *CallSession) guard(ctx context.Context, cancel context.CancelFunc, direction string, run func(context.Context) error) func() error {
	return func() (err error) {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("relay panicked",
					"direction", direction,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				err = fmt.Errorf("bridge: %s relay: %w: %v", direction, ErrRelayPanic, p)
			}
		}()

		if err := run(ctx); err != nil {
			s.log.Error("relay failed", "direction", direction, "err", err)
			return fmt.Errorf("bridge: %s relay: %w", direction, err)
		}
		s.log.Debug("relay finished", "direction", direction)
		return nil
	}
}

// closePeers closes both connections once. The close handshakes run
// concurrently so a slow peer does not delay the other.
func (s *CallSession) closePeers(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		rt := s.realtime
		s.mu.Unlock()

		var rtErr, telErr error
		var wg sync.WaitGroup
		if rt != nil {
			wg.Go(func() { rtErr = rt.Close(websocket.StatusNormalClosure, reason) })
		}
		telErr = s.telephony.Close(code, reason)
		wg.Wait()
		if err := errors.Join(rtErr, telErr); err != nil {
			s.log.Debug("closing peers", "err", err)
		}
	})
}
