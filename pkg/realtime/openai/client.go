// Package openai speaks the OpenAI Realtime API over WebSocket: it dials the
// service, encodes the handful of client events the bridge sends and decodes
// the server events it reacts to.
//
// Only the wire format lives here. Session negotiation and relaying are the
// bridge's job; this package never reads from the connection itself.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit bounds a single server event. Audio deltas routinely exceed
	// the websocket library's 32 KiB default.
	readLimit = 4 << 20
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the realtime model requested in the dial URL.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// Client dials realtime sessions.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client. An empty apiKey is accepted here; the service rejects
// the dial and the caller reports it.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the model requested on dial.
func (c *Client) Model() string { return c.model }

// URL returns the full dial URL including the model query parameter.
func (c *Client) URL() string {
	return c.baseURL + "?model=" + url.QueryEscape(c.model)
}

// Dial opens a new realtime connection. The caller owns the returned conn and
// must close it.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.URL(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}
