// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz and /health: liveness; always 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when every registered [Checker] passes.
//
// Readiness responses are JSON objects with a top-level "status" field ("ok"
// or "fail") and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and an error describing the problem otherwise.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "realtime_api_key").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status  string            `json:"status"`
	Service string            `json:"service,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	service  string
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
// service is reported by the /health endpoint.
func New(service string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{service: service, checkers: c}
}

// Healthz is a liveness check that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Health is the liveness endpoint kept for existing monitors; it reports
// {"status":"healthy","service":...}.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "healthy", Service: h.service})
}

// Readyz runs every checker concurrently, each with a [checkTimeout]
// deadline derived from the request context, and returns 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
