// Package config provides the configuration schema, loader and file watcher
// for the call bridge.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8000"
	DefaultTelephonySampleRate = 8000
	DefaultTelephonyChunkSize  = 500
	DefaultRealtimeSampleRate  = 24000
	DefaultRealtimeModel       = "gpt-4o-realtime-preview"
	DefaultVoice               = "alloy"
	DefaultTranscriptionModel  = "whisper-1"
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultVADThreshold        = 0.5
	DefaultPrefixPaddingMs     = 300
	DefaultSilenceDurationMs   = 800
	DefaultOutboundChunkBlocks = 3
	DefaultInboundChunkBlocks  = 1
	DefaultFlushTimeout        = 2 * time.Second
	DefaultServiceName         = "callbridge"
	DefaultInstructions        = "Speak clearly and briefly. Confirm understanding before taking actions."
	DefaultGreeting            = "Greet the user warmly in one short sentence and ask how you can help. Be clear and concise. If the user requests more details, provide them simply."
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Relay     RelayConfig     `yaml:"relay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicHost is the externally reachable host[:port] used to build the
	// wss:// media-stream URL handed to the telephony provider.
	PublicHost string `yaml:"public_host"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TelephonyConfig configures the Teler side of the bridge.
type TelephonyConfig struct {
	// APIKey authenticates call-control requests. Only required for
	// outbound calls.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Teler REST endpoint.
	BaseURL string `yaml:"base_url"`

	// FromNumber is the default caller id for outbound calls.
	FromNumber string `yaml:"from_number"`

	// SampleRate of the media stream in Hz.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSize is advertised in the stream flow.
	ChunkSize int `yaml:"chunk_size"`

	// Record asks Teler to record calls.
	Record bool `yaml:"record"`
}

// RealtimeConfig configures the OpenAI Realtime side of the bridge.
type RealtimeConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`

	// Instructions is the system prompt for every call.
	Instructions string `yaml:"instructions"`

	// Greeting is sent with the initial response.create so the assistant
	// speaks first.
	Greeting string `yaml:"greeting"`

	TranscriptionModel string `yaml:"transcription_model"`

	// SampleRate of the realtime audio in Hz. pcm16 is 24 kHz.
	SampleRate int `yaml:"sample_rate"`

	// HandshakeTimeout bounds the wait for session.created.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`

	// VerifyModel makes /readyz confirm through the REST API that the key
	// is accepted and the model exists.
	VerifyModel bool `yaml:"verify_model"`

	// RESTBaseURL overrides the REST endpoint used by VerifyModel.
	RESTBaseURL string `yaml:"rest_base_url"`
}

// TurnDetectionConfig configures server-side voice activity detection.
type TurnDetectionConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// RelayConfig tunes audio forwarding between the peers.
type RelayConfig struct {
	// OutboundChunkBlocks is how many converted AI deltas are grouped into
	// one telephony audio message.
	OutboundChunkBlocks int `yaml:"outbound_chunk_blocks"`

	// InboundChunkBlocks is how many telephony frames are grouped into one
	// input_audio_buffer.append. 1 forwards every frame.
	InboundChunkBlocks int `yaml:"inbound_chunk_blocks"`

	// MaxChunkBytes additionally emits a chunk once it reaches this size.
	// 0 disables the byte limit.
	MaxChunkBytes int `yaml:"max_chunk_bytes"`

	// FirstChunkID is the chunk_id of the first outbound audio message.
	FirstChunkID int `yaml:"first_chunk_id"`

	// FlushTimeout bounds the final flush after a peer goes away.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// ApplyDefaults fills every zero-valued setting that has a default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Telephony.SampleRate, DefaultTelephonySampleRate)
	setDefault(&cfg.Telephony.ChunkSize, DefaultTelephonyChunkSize)

	rt := &cfg.Realtime
	setDefault(&rt.Model, DefaultRealtimeModel)
	setDefault(&rt.Voice, DefaultVoice)
	setDefault(&rt.Instructions, DefaultInstructions)
	setDefault(&rt.Greeting, DefaultGreeting)
	setDefault(&rt.TranscriptionModel, DefaultTranscriptionModel)
	setDefault(&rt.SampleRate, DefaultRealtimeSampleRate)
	setDefault(&rt.HandshakeTimeout, DefaultHandshakeTimeout)
	setDefault(&rt.TurnDetection.Threshold, DefaultVADThreshold)
	setDefault(&rt.TurnDetection.PrefixPaddingMs, DefaultPrefixPaddingMs)
	setDefault(&rt.TurnDetection.SilenceDurationMs, DefaultSilenceDurationMs)

	setDefault(&cfg.Relay.OutboundChunkBlocks, DefaultOutboundChunkBlocks)
	setDefault(&cfg.Relay.InboundChunkBlocks, DefaultInboundChunkBlocks)
	setDefault(&cfg.Relay.FlushTimeout, DefaultFlushTimeout)

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
