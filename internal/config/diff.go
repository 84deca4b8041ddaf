package config

// ConfigDiff describes what changed between two configs.
//
// Calls pick up a new snapshot when they start, so most fields apply to the
// next call without further action. RestartRequired lists the fields that
// only take effect after the process restarts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the realtime session settings a new call
	// negotiates (model, voice, prompts, transcription, turn detection)
	// differ.
	SessionChanged bool

	// RelayChanged is true when chunking or flush settings differ.
	RelayChanged bool

	// KeysChanged is true when either API key was rotated. The keys
	// themselves are never part of the diff.
	KeysChanged bool

	// RestartRequired holds the YAML paths of changed settings that are only
	// read at startup.
	RestartRequired []string
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.RelayChanged || d.KeysChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	d.SessionChanged = diffSession(&old.Realtime, &new.Realtime)
	d.RelayChanged = old.Relay != new.Relay ||
		old.Telephony.SampleRate != new.Telephony.SampleRate
	d.KeysChanged = old.Realtime.APIKey != new.Realtime.APIKey ||
		old.Telephony.APIKey != new.Telephony.APIKey

	return d
}

// diffSession compares the realtime settings that shape session.update.
func diffSession(old, new *RealtimeConfig) bool {
	return old.Model != new.Model ||
		old.BaseURL != new.BaseURL ||
		old.Voice != new.Voice ||
		old.Instructions != new.Instructions ||
		old.Greeting != new.Greeting ||
		old.TranscriptionModel != new.TranscriptionModel ||
		old.SampleRate != new.SampleRate ||
		old.HandshakeTimeout != new.HandshakeTimeout ||
		old.TurnDetection != new.TurnDetection
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
