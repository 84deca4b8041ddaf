// Package app wires the call bridge subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the routes, breakers and
// optional config watcher, Run serves until the context is cancelled, and
// Shutdown ends live calls before stopping the listener.
//
// For testing, inject fakes via functional options (WithDialerFactory,
// WithCallCreatorFactory, WithMetrics). Handler exposes the assembled routes
// so tests can serve them from an httptest server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/callcontrol"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/realtime/openai"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	static         *config.Config
	configPath     string
	reloadInterval time.Duration
	watcher        *config.Watcher
	logLevel       *slog.LevelVar

	metrics     *observe.Metrics
	metricsHTTP http.Handler
	newDialer   func(*config.Config) bridge.Dialer
	newCreator  func(*config.Config) (callcontrol.CallCreator, error)
	dialBreaker *resilience.CircuitBreaker
	telBreaker  *resilience.CircuitBreaker

	bridge  *bridge.Server
	handler http.Handler
	srv     *http.Server

	mu       sync.Mutex
	addr     net.Addr
	verifier *openai.ModelVerifier
	verified [3]string // key, model and REST URL the verifier was built for

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithConfigPath hot-reloads the configuration from path. Calls that are
// already running keep the snapshot they started with.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithReloadInterval sets the polling backstop of the config watcher.
func WithReloadInterval(d time.Duration) Option {
	return func(a *App) { a.reloadInterval = d }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics, typically
// [observe.Provider.MetricsHandler]. Default: the Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// WithDialerFactory replaces the realtime dialer built for every call.
func WithDialerFactory(f func(*config.Config) bridge.Dialer) Option {
	return func(a *App) { a.newDialer = f }
}

// WithCallCreatorFactory replaces the Teler client used for outbound calls.
func WithCallCreatorFactory(f func(*config.Config) (callcontrol.CallCreator, error)) Option {
	return func(a *App) { a.newCreator = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. cfg is used as-is unless WithConfigPath is given, in
// which case the watched file becomes the source of every snapshot.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{static: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHTTP == nil {
		a.metricsHTTP = promhttp.Handler()
	}

	// ── 1. Configuration source ──────────────────────────────────────────
	if err := a.initConfig(); err != nil {
		return nil, fmt.Errorf("app: init config: %w", err)
	}

	// ── 2. Circuit breakers ──────────────────────────────────────────────
	a.initBreakers()

	// ── 3. Media-stream bridge ───────────────────────────────────────────
	a.bridge = bridge.NewServer(bridge.ServerConfig{
		Config:    a.config,
		NewDialer: a.newDialer,
		Metrics:   a.metrics,
		Breaker:   a.dialBreaker,
	})

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.handler = a.routes()

	// ── 5. HTTP server ───────────────────────────────────────────────────
	current := a.config()
	a.srv = &http.Server{
		Addr:              current.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	slog.Info("app initialised",
		"listen_addr", current.Server.ListenAddr,
		"public_host", current.Server.PublicHost,
		"realtime_model", current.Realtime.Model,
		"hot_reload", a.watcher != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initConfig() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.onReload, config.WithInterval(a.reloadInterval))
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// onReload logs what a config reload changed and applies the log level.
// Everything else is read from the snapshot when the next call or request
// starts.
func (a *App) onReload(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reloaded: some settings apply after restart", "settings", d.RestartRequired)
	}
	slog.Info("config reloaded",
		"log_level", updated.Server.LogLevel,
		"session_changed", d.SessionChanged,
		"relay_changed", d.RelayChanged,
		"keys_rotated", d.KeysChanged,
	)
}

// SlogLevel maps a configured log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *App) initBreakers() {
	onChange := func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
	}
	a.dialBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "realtime-dial",
		OnStateChange: onChange,
	})
	a.telBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "teler-api",
		OnStateChange: onChange,
	})
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	ccOpts := []callcontrol.Option{
		callcontrol.WithBreaker(a.telBreaker),
		callcontrol.WithMetrics(a.metrics),
	}
	if a.newCreator != nil {
		ccOpts = append(ccOpts, callcontrol.WithCreatorFactory(a.newCreator))
	}
	callcontrol.New(a.config, ccOpts...).Register(mux)

	health.New(a.config().Telemetry.ServiceName,
		health.Checker{Name: "realtime_api_key", Check: a.checkAPIKey},
		health.Checker{Name: "realtime_dial", Check: a.checkDialBreaker},
		health.Checker{Name: "realtime_model", Check: a.checkModel},
	).Register(mux)

	mux.Handle("GET /metrics", a.metricsHTTP)
	mux.Handle("GET "+callcontrol.MediaStreamPath, a.bridge)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkAPIKey(context.Context) error {
	if a.config().Realtime.APIKey == "" {
		return errors.New("realtime.api_key not configured")
	}
	return nil
}

func (a *App) checkDialBreaker(context.Context) error {
	if a.dialBreaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// checkModel asks the REST API about the configured model when
// realtime.verify_model is on. The verifier is rebuilt after a reload changes
// the key, model or endpoint.
func (a *App) checkModel(ctx context.Context) error {
	rt := a.config().Realtime
	if !rt.VerifyModel {
		return nil
	}
	if rt.APIKey == "" {
		return errors.New("realtime.api_key not configured")
	}
	key := [3]string{rt.APIKey, rt.Model, rt.RESTBaseURL}

	a.mu.Lock()
	if a.verifier == nil || a.verified != key {
		a.verifier = openai.NewModelVerifier(rt.APIKey, rt.Model, openai.WithRESTBaseURL(rt.RESTBaseURL))
		a.verified = key
	}
	v := a.verifier
	a.mu.Unlock()

	return v.Verify(ctx)
}

// config returns the current configuration snapshot.
func (a *App) config() *config.Config {
	if a.watcher != nil {
		return a.watcher.Current()
	}
	return a.static
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ActiveCalls reports how many calls are currently bridged.
func (a *App) ActiveCalls() int { return a.bridge.ActiveCalls() }

// Addr returns the listener address once Run has started listening, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. It returns ctx.Err() after a cancellation; call Shutdown
// afterwards to end live calls.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	tls := a.config().Server.TLS
	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.srv.Serve(ln)
	}()
	slog.Info("listening", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends live calls, stops the HTTP server and runs the closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.bridge.ActiveCalls(), "closers", len(a.closers))

		// Hijacked WebSocket connections are invisible to http.Server, so
		// the bridge drains its calls first.
		if err := a.bridge.Shutdown(ctx); err != nil {
			slog.Warn("bridge shutdown error", "err", err)
			shutdownErr = err
		}
		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
