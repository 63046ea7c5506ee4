package config_test

import (
	"errors"
	"testing"

	"github.com/quillaudio/quill/internal/config"
	"github.com/quillaudio/quill/pkg/recognizer"
	"github.com/quillaudio/quill/pkg/recognizer/mock"
)

func TestLogLevelIsValid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{config.LogLevel("verbose"), false},
		{config.LogLevel(""), false},
	}
	for _, tc := range cases {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.level, got, tc.want)
		}
	}
}

// gain builds the optional gain field for test configs.
func gain(v float64) *float64 { return &v }

func TestSourceConfigDefaults(t *testing.T) {
	t.Parallel()

	var src config.SourceConfig
	if !src.IsEnabled() {
		t.Error("absent enabled field should mean enabled")
	}
	if src.EffectiveGain() != 1.0 {
		t.Errorf("absent gain should mean unity, got %v", src.EffectiveGain())
	}

	off := false
	src = config.SourceConfig{Device: "mic", Gain: gain(1.5), Enabled: &off}
	if src.IsEnabled() {
		t.Error("explicit enabled: false should disable the source")
	}
	if src.EffectiveGain() != 1.5 {
		t.Errorf("EffectiveGain = %v, want 1.5", src.EffectiveGain())
	}

	// An explicit zero is a mute, not a default.
	src = config.SourceConfig{Device: "mic", Gain: gain(0)}
	if src.EffectiveGain() != 0 {
		t.Errorf("explicit gain 0 should mute, got %v", src.EffectiveGain())
	}
}

func TestRegistryCreateRecognizer(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()

	_, err := reg.CreateRecognizer(config.RecognizerConfig{Name: "nope"})
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("error = %v, want ErrNotRegistered", err)
	}

	var gotEntry config.RecognizerConfig
	reg.RegisterRecognizer("mock", func(entry config.RecognizerConfig) (recognizer.Provider, error) {
		gotEntry = entry
		return &mock.Provider{}, nil
	})

	p, err := reg.CreateRecognizer(config.RecognizerConfig{Name: "mock", Model: "tiny"})
	if err != nil {
		t.Fatalf("CreateRecognizer: %v", err)
	}
	if p == nil {
		t.Fatal("CreateRecognizer returned nil provider")
	}
	if gotEntry.Model != "tiny" {
		t.Errorf("factory received entry %+v, want Model tiny", gotEntry)
	}
}

func TestRegistryCreatePlatformUnregistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreatePlatform("coreaudio")
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("error = %v, want ErrNotRegistered", err)
	}
}
