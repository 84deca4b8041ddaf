// Package bridge connects a telephony media stream to a realtime speech AI
// session for the lifetime of one phone call.
//
// A call is driven by a [CallSession]: it dials the realtime service,
// negotiates the session with a [Negotiator] and then runs an
// [InboundRelay] (caller to AI) and an [OutboundRelay] (AI to caller)
// concurrently until either side hangs up. [Server] accepts telephony
// WebSocket connections and runs one CallSession per connection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Sentinel errors for call setup.
var (
	// ErrHandshakeRejected means the realtime service answered the session
	// configuration with an error event or hung up.
	ErrHandshakeRejected = errors.New("bridge: realtime session rejected")

	// ErrHandshakeTimeout means no reply arrived within the handshake timeout.
	ErrHandshakeTimeout = errors.New("bridge: realtime handshake timed out")

	// ErrUnexpectedEvent means the first reply was neither session.created
	// nor an error.
	ErrUnexpectedEvent = errors.New("bridge: unexpected realtime event during handshake")

	// ErrRelayPanic marks a relay that panicked. The panic is contained to
	// its call.
	ErrRelayPanic = errors.New("bridge: relay panicked")

	// ErrNoAPIKey means no realtime API key is configured.
	ErrNoAPIKey = errors.New("bridge: realtime api key not configured")
)

// Peer is one side of a bridged call: a message-oriented, full-duplex
// connection. One goroutine may Read while another Writes.
type Peer interface {
	// Read blocks for the next message. It returns [io.EOF] once the remote
	// side has closed the connection, whatever the close code.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text message. Writing to a connection the remote side
	// has already closed returns an error wrapping [io.EOF].
	Write(ctx context.Context, data []byte) error

	// Close closes the connection with the given status. Calls after the
	// first are no-ops.
	Close(code websocket.StatusCode, reason string) error
}

// peerWriteTimeout bounds one message write on a [WebSocketPeer].
const peerWriteTimeout = 5 * time.Second

// WebSocketPeer adapts a [websocket.Conn] to [Peer].
//
// A cancelled context passed to [websocket.Conn.Read] or Write tears the
// whole connection down. WebSocketPeer keeps cancellation away from the
// transport: a single background goroutine owns the reads, Read only
// waits for its results, and Write detaches from the caller's
// cancellation. A cancelled relay can therefore still flush and send a
// close frame. Only Close ends the connection.
type WebSocketPeer struct {
	conn *websocket.Conn
	name string

	readOnce sync.Once
	reads    chan []byte
	readErr  error // set before reads is closed
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ Peer = (*WebSocketPeer)(nil)

// NewWebSocketPeer wraps conn. name ("telephony" or "realtime") is used in
// error messages.
func NewWebSocketPeer(conn *websocket.Conn, name string) *WebSocketPeer {
	return &WebSocketPeer{
		conn:  conn,
		name:  name,
		reads: make(chan []byte),
		done:  make(chan struct{}),
	}
}

// Read implements [Peer]. Cancelling ctx abandons the wait but leaves the
// connection open; the next Read returns the message that was in flight.
func (p *WebSocketPeer) Read(ctx context.Context) ([]byte, error) {
	p.readOnce.Do(func() { go p.readLoop() })
	select {
	case data, ok := <-p.reads:
		if !ok {
			return nil, p.readErr
		}
		return data, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop reads until the connection fails or is closed. It never uses a
// cancellable context, so it only stops through Close or the remote side.
func (p *WebSocketPeer) readLoop() {
	for {
		_, data, err := p.conn.Read(context.Background())
		if err != nil {
			if isPeerGone(err) {
				p.readErr = io.EOF
			} else {
				p.readErr = fmt.Errorf("bridge: %s read: %w", p.name, err)
			}
			close(p.reads)
			return
		}
		select {
		case p.reads <- data:
		case <-p.done:
			return
		}
	}
}

// Write implements [Peer]. A write that has started is not aborted when ctx
// is cancelled; it is bounded by peerWriteTimeout instead.
func (p *WebSocketPeer) Write(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), peerWriteTimeout)
	defer cancel()
	if err := p.conn.Write(wctx, websocket.MessageText, data); err != nil {
		if isPeerGone(err) {
			return fmt.Errorf("bridge: %s write: %w", p.name, io.EOF)
		}
		return fmt.Errorf("bridge: %s write: %w", p.name, err)
	}
	return nil
}

// Close implements [Peer]. It performs the close handshake, which also
// unblocks the background reader.
func (p *WebSocketPeer) Close(code websocket.StatusCode, reason string) error {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.conn.Close(code, reason); err != nil && !isPeerGone(err) {
			p.closeErr = fmt.Errorf("bridge: %s close: %w", p.name, err)
			_ = p.conn.CloseNow()
		}
	})
	return p.closeErr
}

// isPeerGone reports whether err means the connection is finished rather
// than broken: a close frame of any status, or a socket we already closed.
func isPeerGone(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
