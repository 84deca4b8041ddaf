// Package mock provides an in-memory [bridge.Peer] for unit tests.
//
// A Peer serves pushed messages to Read in order and records every Write and
// Close so tests can assert on the exact traffic a relay or session produced.
// All methods are safe for concurrent use.
//
// Typical usage:
//
//	tel := mock.NewPeer()
//	tel.Push(frame1, frame2)
//	tel.End() // Read returns io.EOF once the queue is drained
//	msgs, ok := tel.WaitWritten(3, time.Second)
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Peer is a channel-backed mock of [bridge.Peer].
type Peer struct {
	in     chan []byte
	ended  chan struct{}
	endErr error

	mu      sync.Mutex
	endOnce sync.Once
	written [][]byte
	notify  chan struct{}

	// WriteErr, when set, is returned by every Write.
	WriteErr error

	// CloseError is returned by Close.
	CloseError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CloseCode and CloseReason record the arguments of the first Close.
	CloseCode   websocket.StatusCode
	CloseReason string
}

// NewPeer returns a Peer with room for 1024 queued messages.
func NewPeer() *Peer {
	return &Peer{
		in:     make(chan []byte, 1024),
		ended:  make(chan struct{}),
		notify: make(chan struct{}),
	}
}

// Push queues messages for Read.
func (p *Peer) Push(msgs ...[]byte) {
	for _, m := range msgs {
		p.in <- m
	}
}

// End makes Read return io.EOF once the queued messages are consumed, as if
// the remote side closed the connection.
func (p *Peer) End() { p.finish(io.EOF) }

// Fail is like End but Read returns err instead of io.EOF.
func (p *Peer) Fail(err error) { p.finish(err) }

func (p *Peer) finish(err error) {
	p.endOnce.Do(func() {
		p.endErr = err
		close(p.ended)
	})
}

// Read returns the next queued message. It blocks until a message is pushed,
// the peer ends or ctx is done.
func (p *Peer) Read(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	p.CallCountRead++
	p.mu.Unlock()

	select {
	case m := <-p.in:
		return m, nil
	default:
	}
	select {
	case m := <-p.in:
		return m, nil
	case <-p.ended:
		select {
		case m := <-p.in:
			return m, nil
		default:
			return nil, p.endErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write records data. Like the WebSocket peer it ignores cancellation of
// ctx. After Close it returns an error wrapping io.EOF.
func (p *Peer) Write(_ context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteErr != nil {
		return p.WriteErr
	}
	if p.CallCountClose > 0 {
		return fmt.Errorf("mock: write after close: %w", io.EOF)
	}
	p.written = append(p.written, append([]byte(nil), data...))
	close(p.notify)
	p.notify = make(chan struct{})
	return nil
}

// Close records the call and ends the peer.
func (p *Peer) Close(code websocket.StatusCode, reason string) error {
	p.mu.Lock()
	p.CallCountClose++
	if p.CallCountClose == 1 {
		p.CloseCode = code
		p.CloseReason = reason
	}
	err := p.CloseError
	p.mu.Unlock()
	p.End()
	return err
}

// Written returns a copy of every message written so far.
func (p *Peer) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

// Reads returns how many times Read was called.
func (p *Peer) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountRead
}

// Closes returns how many times Close was called.
func (p *Peer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountClose
}

// WaitWritten blocks until at least n messages have been written or timeout
// elapses. It returns the messages written so far and whether n was reached.
func (p *Peer) WaitWritten(n int, timeout time.Duration) ([][]byte, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		if len(p.written) >= n {
			p.mu.Unlock()
			return p.Written(), true
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return p.Written(), false
		}
	}
}
