package teler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://api.teler.ai"
	createCallPath  = "/v1/calls/initiate"
	maxErrorBodyLen = 512
)

// CallRequest describes an outbound call to place.
type CallRequest struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`

	// FlowURL is fetched by Teler once the call connects; it answers with the
	// stream flow pointing at the media-stream WebSocket.
	FlowURL string `json:"flow_url"`

	// StatusCallbackURL receives call status webhooks. Optional.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`

	Record bool `json:"record"`
}

// Call is the subset of the create-call response the bridge cares about.
type Call struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Primarily used in tests to point at
// an httptest server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to Teler's call-control REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("teler: api key must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// CreateCall places an outbound call.
func (c *Client) CreateCall(ctx context.Context, req CallRequest) (Call, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Call{}, fmt.Errorf("teler: marshal call request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createCallPath, bytes.NewReader(body))
	if err != nil {
		return Call{}, fmt.Errorf("teler: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Call{}, fmt.Errorf("teler: create call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return Call{}, fmt.Errorf("teler: create call: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var call Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return Call{}, fmt.Errorf("teler: decode create call response: %w", err)
	}
	if call.ID == "" {
		return Call{}, errors.New("teler: create call response has no id")
	}
	return call, nil
}
