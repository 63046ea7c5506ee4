package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/quillaudio/quill/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
recognizer:
  name: whispercpp
  model: /models/ggml-base.en.bin
  language: en
sources:
  - device: usb-mic
    gain: 1.5
  - device: loopback
    enabled: false
mixer:
  tick: 32ms
  grace: 48ms
  output_depth: 32
transcript:
  dir: ./transcripts
  autosave_interval: 5s
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Recognizer.Name != "whispercpp" || cfg.Recognizer.Model != "/models/ggml-base.en.bin" {
		t.Errorf("unexpected recognizer config %+v", cfg.Recognizer)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(cfg.Sources))
	}
	if !cfg.Sources[0].IsEnabled() || cfg.Sources[1].IsEnabled() {
		t.Error("enabled defaults wrong: absent should be enabled, explicit false disabled")
	}
	if cfg.Sources[0].EffectiveGain() != 1.5 || cfg.Sources[1].EffectiveGain() != 1.0 {
		t.Errorf("gains = %v, %v, want 1.5 and unity default",
			cfg.Sources[0].EffectiveGain(), cfg.Sources[1].EffectiveGain())
	}
	if cfg.Mixer.Tick != 32*time.Millisecond || cfg.Mixer.Grace != 48*time.Millisecond {
		t.Errorf("unexpected mixer timing %+v", cfg.Mixer)
	}
	if cfg.Transcript.AutosaveInterval != 5*time.Second {
		t.Errorf("autosave_interval = %v, want 5s", cfg.Transcript.AutosaveInterval)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
recognizer:
  name: mock
  modle: typo-here
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_RecognizerNameRequired(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`server: {log_level: info}`))
	if err == nil {
		t.Fatal("expected error for missing recognizer name, got nil")
	}
	if !strings.Contains(err.Error(), "recognizer.name") {
		t.Errorf("error should mention recognizer.name, got: %v", err)
	}
}

func TestValidate_WhisperCPPRequiresModel(t *testing.T) {
	t.Parallel()
	yaml := `
recognizer:
  name: whispercpp
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for whispercpp without model, got nil")
	}
	if !strings.Contains(err.Error(), "recognizer.model") {
		t.Errorf("error should mention recognizer.model, got: %v", err)
	}
}

func TestValidate_WSBridgeRequiresBaseURL(t *testing.T) {
	t.Parallel()
	yaml := `
recognizer:
  name: wsbridge
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for wsbridge without base_url, got nil")
	}
	if !strings.Contains(err.Error(), "recognizer.base_url") {
		t.Errorf("error should mention recognizer.base_url, got: %v", err)
	}
}

func TestValidate_DuplicateSourceDevices(t *testing.T) {
	t.Parallel()
	yaml := `
recognizer:
  name: mock
sources:
  - device: usb-mic
  - device: usb-mic
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate source devices, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_GainRange(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		gain    string
		wantErr bool
	}{
		{"negative", "-0.5", true},
		{"above maximum", "2.5", true},
		{"maximum", "2.0", false},
		{"explicit mute", "0.0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			yaml := `
recognizer:
  name: mock
sources:
  - device: usb-mic
    gain: ` + tc.gain + `
`
			_, err := config.LoadFromReader(strings.NewReader(yaml))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for gain %s, got nil", tc.gain)
				}
				if !strings.Contains(err.Error(), "gain") {
					t.Errorf("error should mention gain, got: %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error for gain %s: %v", tc.gain, err)
			}
		})
	}
}

func TestValidate_MultipleErrorsAreJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
sources:
  - device: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "device is required") {
		t.Errorf("error should mention the missing device, got: %v", err)
	}
	if !strings.Contains(errStr, "recognizer.name") {
		t.Errorf("error should mention recognizer.name, got: %v", err)
	}
}

func TestValidate_EmptySourcesAllowed(t *testing.T) {
	t.Parallel()
	// No sources means the session falls back to the default input device.
	_, err := config.LoadFromReader(strings.NewReader("recognizer: {name: mock}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
