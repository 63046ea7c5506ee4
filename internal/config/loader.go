package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidRecognizerNames lists the recognizer names shipped with Quill.
// Used by [Validate] to warn about likely typos.
var ValidRecognizerNames = []string{"whispercpp", "wsbridge", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Recognizer
	if cfg.Recognizer.Name == "" {
		errs = append(errs, errors.New("recognizer.name is required"))
	} else if !slices.Contains(ValidRecognizerNames, cfg.Recognizer.Name) {
		slog.Warn("unknown recognizer name, may be a typo or third-party recognizer",
			"name", cfg.Recognizer.Name,
			"known", ValidRecognizerNames,
		)
	}
	if cfg.Recognizer.Name == "whispercpp" && cfg.Recognizer.Model == "" {
		errs = append(errs, errors.New("recognizer.model is required for whispercpp (path to the ggml model file)"))
	}
	if cfg.Recognizer.Name == "wsbridge" && cfg.Recognizer.BaseURL == "" {
		errs = append(errs, errors.New("recognizer.base_url is required for wsbridge"))
	}

	// Sources. An empty list is allowed: the session falls back to the
	// system default input device.
	devicesSeen := make(map[string]int, len(cfg.Sources))
	for i, src := range cfg.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if src.Device == "" {
			errs = append(errs, fmt.Errorf("%s.device is required", prefix))
		} else {
			if prev, ok := devicesSeen[src.Device]; ok {
				errs = append(errs, fmt.Errorf("%s.device %q is a duplicate of sources[%d]", prefix, src.Device, prev))
			}
			devicesSeen[src.Device] = i
		}
		if src.Gain != nil && (*src.Gain < 0 || *src.Gain > 2) {
			errs = append(errs, fmt.Errorf("%s.gain %.2f is out of range [0, 2]", prefix, *src.Gain))
		}
	}

	// Mixer
	if cfg.Mixer.Tick < 0 {
		errs = append(errs, fmt.Errorf("mixer.tick %v must not be negative", cfg.Mixer.Tick))
	}
	if cfg.Mixer.Grace < 0 {
		errs = append(errs, fmt.Errorf("mixer.grace %v must not be negative", cfg.Mixer.Grace))
	}
	if cfg.Mixer.Tick > 0 && cfg.Mixer.Grace > 0 && cfg.Mixer.Grace < cfg.Mixer.Tick/2 {
		slog.Warn("mixer.grace is below half a tick; late sources will be silence-filled aggressively",
			"tick", cfg.Mixer.Tick,
			"grace", cfg.Mixer.Grace,
		)
	}
	if cfg.Mixer.OutputDepth < 0 {
		errs = append(errs, fmt.Errorf("mixer.output_depth %d must not be negative", cfg.Mixer.OutputDepth))
	}

	// Transcript
	if cfg.Transcript.AutosaveInterval < 0 {
		errs = append(errs, fmt.Errorf("transcript.autosave_interval %v must not be negative", cfg.Transcript.AutosaveInterval))
	}

	return errors.Join(errs...)
}
