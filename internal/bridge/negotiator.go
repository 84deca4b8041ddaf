package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/realtime/openai"
)

// NegotiationState is the progress of the realtime session handshake.
type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	NegotiationConfigSent
	NegotiationConfirmed
	NegotiationGreetingRequested
	NegotiationActive
	NegotiationFailed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationConfigSent:
		return "config_sent"
	case NegotiationConfirmed:
		return "confirmed"
	case NegotiationGreetingRequested:
		return "greeting_requested"
	case NegotiationActive:
		return "active"
	case NegotiationFailed:
		return "failed"
	default:
		return fmt.Sprintf("negotiation(%d)", int(s))
	}
}

// NegotiatorConfig configures a [Negotiator].
type NegotiatorConfig struct {
	// Session is sent in session.update.
	Session openai.SessionConfig

	// Greeting is the instruction sent with the first response.create.
	Greeting string

	// Timeout bounds the wait for the reply to session.update. Zero waits
	// until ctx is done.
	Timeout time.Duration
}

// Negotiator performs the one-shot realtime handshake:
// session.update, then exactly one reply which must be session.created, then
// response.create so the assistant greets the caller. There are no retries;
// a failed negotiation ends the call.
//
// The Negotiator reads from the realtime peer only until it reaches
// [NegotiationActive]; afterwards the peer belongs to the relays.
type Negotiator struct {
	peer Peer
	cfg  NegotiatorConfig

	mu    sync.Mutex
	state NegotiationState
}

// NewNegotiator creates a Negotiator for the realtime peer.
func NewNegotiator(peer Peer, cfg NegotiatorConfig) *Negotiator {
	return &Negotiator{peer: peer, cfg: cfg}
}

// State returns the current handshake state.
func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(s NegotiationState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Negotiate runs the handshake. On success the state is [NegotiationActive]
// and the confirmed session is returned. On failure the state is
// [NegotiationFailed] and the error wraps one of [ErrHandshakeRejected],
// [ErrHandshakeTimeout] or [ErrUnexpectedEvent], or the transport error.
func (n *Negotiator) Negotiate(ctx context.Context) (openai.SessionCreated, error) {
	log := observe.CallLogger(ctx)

	created, err := n.negotiate(ctx, log)
	if err != nil {
		n.setState(NegotiationFailed)
		return openai.SessionCreated{}, err
	}
	return created, nil
}

func (n *Negotiator) negotiate(ctx context.Context, log *slog.Logger) (openai.SessionCreated, error) {
	update, err := openai.EncodeSessionUpdate(n.cfg.Session)
	if err != nil {
		return openai.SessionCreated{}, fmt.Errorf("bridge: negotiate: %w", err)
	}
	if err := n.peer.Write(ctx, update); err != nil {
		return openai.SessionCreated{}, fmt.Errorf("bridge: negotiate: send session.update: %w", err)
	}
	n.setState(NegotiationConfigSent)
	log.Debug("session.update sent", "voice", n.cfg.Session.Voice)

	evt, err := n.awaitReply(ctx)
	if err != nil {
		return openai.SessionCreated{}, err
	}

	var created openai.SessionCreated
	switch e := evt.(type) {
	case openai.SessionCreated:
		created = e
	case openai.ErrorEvent:
		return openai.SessionCreated{}, fmt.Errorf("%w: %v", ErrHandshakeRejected, e)
	default:
		return openai.SessionCreated{}, fmt.Errorf("%w: %q", ErrUnexpectedEvent, evt.EventType())
	}
	n.setState(NegotiationConfirmed)
	log.Info("realtime session created",
		"session_id", created.ID,
		"input_format", created.InputFormat,
		"output_format", created.OutputFormat,
	)

	greet, err := openai.EncodeResponseCreate(n.cfg.Greeting)
	if err != nil {
		return openai.SessionCreated{}, fmt.Errorf("bridge: negotiate: %w", err)
	}
	if err := n.peer.Write(ctx, greet); err != nil {
		return openai.SessionCreated{}, fmt.Errorf("bridge: negotiate: send response.create: %w", err)
	}
	n.setState(NegotiationGreetingRequested)
	n.setState(NegotiationActive)
	return created, nil
}

// awaitReply reads exactly one event within the handshake timeout.
func (n *Negotiator) awaitReply(ctx context.Context) (openai.Event, error) {
	rctx := ctx
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	data, err := n.peer.Read(rctx)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%w: connection closed before session.created", ErrHandshakeRejected)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("bridge: negotiate: %w", ctx.Err())
	case rctx.Err() != nil:
		return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, n.cfg.Timeout)
	default:
		return nil, fmt.Errorf("bridge: negotiate: read reply: %w", err)
	}

	evt, err := openai.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedEvent, err)
	}
	return evt, nil
}
