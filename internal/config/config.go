// Package config provides the configuration schema, loader, recognizer
// registry, and file watcher for the Quill transcription server.
package config

import "time"

// LogLevel controls log verbosity for the Quill server.
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

// Config is the root configuration structure for Quill.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Sources    []SourceConfig   `yaml:"sources"`
	Mixer      MixerConfig      `yaml:"mixer"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// ServerConfig holds network and logging settings for the Quill server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RecognizerConfig selects and configures the speech recognition backend.
// The Name field is used to look up the constructor in the [Registry].
type RecognizerConfig struct {
	// Name selects the registered recognizer implementation
	// (e.g., "whispercpp", "wsbridge").
	Name string `yaml:"name"`

	// Model selects the model within the recognizer. For whispercpp this is
	// the path to a ggml model file; for remote engines it is the model name.
	Model string `yaml:"model"`

	// BaseURL overrides the recognizer's default endpoint. Only meaningful
	// for network-backed recognizers.
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the recognizer's API if any.
	APIKey string `yaml:"api_key"`

	// Language is a BCP-47 language hint (e.g., "en"). Empty means
	// auto-detect where the engine supports it.
	Language string `yaml:"language"`

	// Options holds recognizer-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// SourceConfig describes one capture device feeding the mix.
type SourceConfig struct {
	// Device is the platform device identifier, or "default" to follow the
	// system default input device.
	Device string `yaml:"device"`

	// Gain is a linear amplitude multiplier in [0.0, 2.0] applied before
	// mixing. Absent means 1.0 (unity); an explicit 0.0 mutes the source.
	Gain *float64 `yaml:"gain"`

	// Enabled controls whether the source contributes to the mix. Disabled
	// sources stay in the config and can be enabled at runtime.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the source should be opened. An absent enabled
// field means enabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveGain returns the gain to apply, substituting unity when the field
// is absent. An explicit 0.0 is honored as a mute.
func (s SourceConfig) EffectiveGain() float64 {
	if s.Gain == nil {
		return 1.0
	}
	return *s.Gain
}

// MixerConfig holds tick-loop tunables. Zero values select the defaults.
type MixerConfig struct {
	// Tick is the output cadence. Default: one frame duration (32ms).
	Tick time.Duration `yaml:"tick"`

	// Grace is how long a tick waits for a late source frame before
	// silence-filling. Default: 1.5 ticks.
	Grace time.Duration `yaml:"grace"`

	// OutputDepth bounds the queue between mixer and recognizer, in frames.
	OutputDepth int `yaml:"output_depth"`
}

// TranscriptConfig holds settings for the autosave transcript sink.
type TranscriptConfig struct {
	// Dir is the directory transcript files are written to.
	Dir string `yaml:"dir"`

	// AutosaveInterval is how often buffered transcript lines are flushed
	// to disk. Zero selects the default.
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
}
