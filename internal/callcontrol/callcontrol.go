// Package callcontrol serves the HTTP endpoints the telephony provider and
// operators use around a call: the stream flow Teler fetches when a call
// connects, outbound call initiation, the status webhook and the service
// banner.
package callcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/telephony/teler"
)

// Paths served by [Handler].
const (
	MediaStreamPath = "/api/v1/calls/media-stream"
	FlowPath        = "/api/v1/calls/flow"
	InitiatePath    = "/api/v1/calls/initiate-call"
	WebhookPath     = "/api/v1/webhooks/receiver"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// errCallCreation is the only failure detail clients see from initiate-call.
const errCallCreation = "Call creation failed."

// CallCreator places outbound calls. *teler.Client implements it.
type CallCreator interface {
	CreateCall(ctx context.Context, req teler.CallRequest) (teler.Call, error)
}

var _ CallCreator = (*teler.Client)(nil)

// Option configures a [Handler].
type Option func(*Handler)

// WithCreatorFactory replaces the Teler client factory. Used in tests.
func WithCreatorFactory(f func(*config.Config) (CallCreator, error)) Option {
	return func(h *Handler) { h.newCreator = f }
}

// WithBreaker guards call creation with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(h *Handler) { h.breaker = cb }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler serves the call-control endpoints. Every request reads the current
// configuration snapshot, so reloaded keys and hosts apply immediately.
type Handler struct {
	config     func() *config.Config
	newCreator func(*config.Config) (CallCreator, error)
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
}

// New creates a Handler.
func New(cfg func() *config.Config, opts ...Option) *Handler {
	h := &Handler{config: cfg, newCreator: telerCreator}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

func telerCreator(cfg *config.Config) (CallCreator, error) {
	var opts []teler.Option
	if cfg.Telephony.BaseURL != "" {
		opts = append(opts, teler.WithBaseURL(cfg.Telephony.BaseURL))
	}
	return teler.NewClient(cfg.Telephony.APIKey, opts...)
}

// Register adds the call-control routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /api/v1/calls/{$}", h.Welcome)
	mux.HandleFunc("POST "+FlowPath, h.Flow)
	mux.HandleFunc("POST "+InitiatePath, h.InitiateCall)
	mux.HandleFunc("POST "+WebhookPath, h.Webhook)
}

// Root reports that the service is up and whether a realtime provider is
// configured.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	cfg := h.config()
	provider := "none"
	if cfg.Realtime.APIKey != "" {
		provider = "openai"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":       "Teler OpenAI Bridge is running",
		"status":        "healthy",
		"server_domain": cfg.Server.PublicHost,
		"provider":      provider,
	})
}

// Welcome is the call API index.
func (h *Handler) Welcome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the Teler-OpenAI bridge"})
}

// FlowRequest is what Teler posts when a call connects.
type FlowRequest struct {
	CallID     string `json:"call_id"`
	AccountID  string `json:"account_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

// StreamFlow tells Teler to stream the call's audio to the bridge.
type StreamFlow struct {
	Action     string `json:"action"`
	WSURL      string `json:"ws_url"`
	ChunkSize  int    `json:"chunk_size"`
	SampleRate string `json:"sample_rate"`
	Record     bool   `json:"record"`
}

// Flow answers Teler's flow request with the media-stream URL.
func (h *Handler) Flow(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	var req FlowRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid flow request")
		return
	}

	cfg := h.config()
	if cfg.Server.PublicHost == "" {
		log.Error("stream flow requested but server.public_host is not configured", "call_id", req.CallID)
		writeDetail(w, http.StatusInternalServerError, "public host not configured")
		return
	}

	flow := StreamFlow{
		Action:     "stream",
		WSURL:      "wss://" + cfg.Server.PublicHost + MediaStreamPath,
		ChunkSize:  cfg.Telephony.ChunkSize,
		SampleRate: fmt.Sprintf("%dk", cfg.Telephony.SampleRate/1000),
		Record:     cfg.Telephony.Record,
	}
	log.Info("stream flow requested",
		"call_id", req.CallID,
		"account_id", req.AccountID,
		"from", req.FromNumber,
		"to", req.ToNumber,
	)
	writeJSON(w, http.StatusOK, flow)
}

// InitiateRequest is the body of an outbound call request.
type InitiateRequest struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

// InitiateResponse is returned when Teler accepted the call.
type InitiateResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"call_id"`
}

// InitiateCall places an outbound call that, once answered, is bridged to
// the realtime assistant. Every failure is reported as a 500 with the same
// detail; the cause is only logged.
func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var req InitiateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid call request")
		return
	}
	cfg := h.config()
	if req.FromNumber == "" {
		req.FromNumber = cfg.Telephony.FromNumber
	}
	if req.FromNumber == "" || req.ToNumber == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "from_number and to_number are required")
		return
	}

	call, err := h.createCall(ctx, cfg, req)
	if err != nil {
		h.metrics.RecordCallInitiated(ctx, "error")
		log.Error("failed to create call", "to", req.ToNumber, "err", err)
		writeDetail(w, http.StatusInternalServerError, errCallCreation)
		return
	}

	h.metrics.RecordCallInitiated(ctx, "ok")
	log.Info("call created", "call_id", call.ID, "status", call.Status, "to", req.ToNumber)
	writeJSON(w, http.StatusOK, InitiateResponse{Success: true, CallID: call.ID})
}

func (h *Handler) createCall(ctx context.Context, cfg *config.Config, req InitiateRequest) (teler.Call, error) {
	if cfg.Realtime.APIKey == "" {
		return teler.Call{}, errors.New("realtime api key not configured")
	}
	if cfg.Server.PublicHost == "" {
		return teler.Call{}, errors.New("server public host not configured")
	}
	creator, err := h.newCreator(cfg)
	if err != nil {
		return teler.Call{}, err
	}

	callReq := teler.CallRequest{
		FromNumber:        req.FromNumber,
		ToNumber:          req.ToNumber,
		FlowURL:           "https://" + cfg.Server.PublicHost + FlowPath,
		StatusCallbackURL: "https://" + cfg.Server.PublicHost + WebhookPath,
		Record:            cfg.Telephony.Record,
	}
	create := func() (teler.Call, error) { return creator.CreateCall(ctx, callReq) }
	if h.breaker == nil {
		return create()
	}
	return resilience.Call(h.breaker, create)
}

// Webhook receives call status callbacks. They are logged and acknowledged.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(w, r, &payload); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid webhook payload")
		return
	}
	observe.Logger(r.Context()).Info("call status webhook",
		"event", payload["event"],
		"call_id", payload["call_id"],
		"status", payload["status"],
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
