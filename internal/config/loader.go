package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the matching YAML key is empty.
const (
	EnvRealtimeAPIKey  = "OPENAI_API_KEY"
	EnvTelephonyAPIKey = "TELER_API_KEY"
	EnvPublicHost      = "SERVER_DOMAIN"
	EnvFromNumber      = "FROM_NUMBER"
)

// envRef matches ${NAME} references. Bare $NAME is left alone so prompts may
// contain dollar signs.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${ENV} references in r, decodes the YAML, applies
// environment fallbacks and defaults, and validates the result. An empty
// document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := ExpandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvFallbacks(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in data with the value of the environment
// variable NAME. Unset variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func applyEnvFallbacks(cfg *Config) {
	fallback := func(field *string, env string) {
		if *field == "" {
			*field = strings.TrimSpace(os.Getenv(env))
		}
	}
	fallback(&cfg.Realtime.APIKey, EnvRealtimeAPIKey)
	fallback(&cfg.Telephony.APIKey, EnvTelephonyAPIKey)
	fallback(&cfg.Server.PublicHost, EnvPublicHost)
	fallback(&cfg.Telephony.FromNumber, EnvFromNumber)
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [ApplyDefaults]. It returns a joined error listing all validation failures
// found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if strings.Contains(cfg.Server.PublicHost, "://") {
		errs = append(errs, fmt.Errorf("server.public_host %q must be a bare host[:port] without scheme", cfg.Server.PublicHost))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Telephony
	if cfg.Telephony.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d must be positive", cfg.Telephony.SampleRate))
	}
	if cfg.Telephony.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("telephony.chunk_size %d must not be negative", cfg.Telephony.ChunkSize))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("realtime.sample_rate %d must be positive", rt.SampleRate))
	}
	if rt.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.handshake_timeout %s must not be negative", rt.HandshakeTimeout))
	}
	if td := rt.TurnDetection; td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if rt.TurnDetection.PrefixPaddingMs < 0 || rt.TurnDetection.SilenceDurationMs < 0 {
		errs = append(errs, errors.New("realtime.turn_detection durations must not be negative"))
	}
	if rt.BaseURL != "" && !strings.HasPrefix(rt.BaseURL, "ws://") && !strings.HasPrefix(rt.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("realtime.base_url %q must use ws:// or wss://", rt.BaseURL))
	}
	if rt.RESTBaseURL != "" && !strings.HasPrefix(rt.RESTBaseURL, "http://") && !strings.HasPrefix(rt.RESTBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("realtime.rest_base_url %q must use http:// or https://", rt.RESTBaseURL))
	}
	if rt.APIKey == "" {
		slog.Warn("realtime.api_key is empty; media streams will be rejected until it is configured")
	}

	// Relay
	if cfg.Relay.OutboundChunkBlocks < 1 {
		errs = append(errs, fmt.Errorf("relay.outbound_chunk_blocks %d must be at least 1", cfg.Relay.OutboundChunkBlocks))
	}
	if cfg.Relay.InboundChunkBlocks < 1 {
		errs = append(errs, fmt.Errorf("relay.inbound_chunk_blocks %d must be at least 1", cfg.Relay.InboundChunkBlocks))
	}
	if cfg.Relay.MaxChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_chunk_bytes %d must not be negative", cfg.Relay.MaxChunkBytes))
	}
	if cfg.Relay.FirstChunkID < 0 {
		errs = append(errs, fmt.Errorf("relay.first_chunk_id %d must not be negative", cfg.Relay.FirstChunkID))
	}
	if cfg.Relay.FlushTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.flush_timeout %s must not be negative", cfg.Relay.FlushTimeout))
	}

	return errors.Join(errs...)
}
