package openai

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultVerifyTTL is how long a model lookup result is reused.
const DefaultVerifyTTL = time.Minute

// ModelVerifier checks through the REST API that the API key is accepted and
// the realtime model exists. Results are cached for a TTL so readiness checks
// do not hit the API on every request. Safe for concurrent use.
type ModelVerifier struct {
	client oai.Client
	model  string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	lastErr   error
}

// VerifierOption configures a [ModelVerifier].
type VerifierOption func(*verifierConfig)

type verifierConfig struct {
	baseURL string
	ttl     time.Duration
	timeout time.Duration
}

// WithRESTBaseURL overrides the REST API base URL (e.g. "https://api.openai.com/v1").
// An empty value keeps the default.
func WithRESTBaseURL(u string) VerifierOption {
	return func(c *verifierConfig) { c.baseURL = u }
}

// WithVerifyTTL sets how long a result is cached. Non-positive values keep
// [DefaultVerifyTTL].
func WithVerifyTTL(d time.Duration) VerifierOption {
	return func(c *verifierConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithVerifyTimeout bounds a single lookup.
func WithVerifyTimeout(d time.Duration) VerifierOption {
	return func(c *verifierConfig) { c.timeout = d }
}

// NewModelVerifier creates a verifier for model. An empty model falls back to
// the default realtime model.
func NewModelVerifier(apiKey, model string, opts ...VerifierOption) *ModelVerifier {
	if model == "" {
		model = defaultModel
	}
	cfg := verifierConfig{ttl: DefaultVerifyTTL}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &ModelVerifier{
		client: oai.NewClient(reqOpts...),
		model:  model,
		ttl:    cfg.ttl,
		now:    time.Now,
	}
}

// Verify returns nil when the model can be retrieved with the configured key.
// The lock is held across the lookup so concurrent checks share one request.
func (v *ModelVerifier) Verify(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.checkedAt.IsZero() && v.now().Sub(v.checkedAt) < v.ttl {
		return v.lastErr
	}

	m, err := v.client.Models.Get(ctx, v.model)
	switch {
	case err != nil:
		err = fmt.Errorf("openai realtime: verify model %q: %w", v.model, err)
	case m.ID != v.model:
		err = fmt.Errorf("openai realtime: verify model %q: api returned %q", v.model, m.ID)
	}
	if ctx.Err() != nil {
		// The caller gave up; don't cache a result the API never produced.
		return err
	}
	v.checkedAt = v.now()
	v.lastErr = err
	return err
}
