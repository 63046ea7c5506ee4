package config_test

import (
	"testing"

	"github.com/quillaudio/quill/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Sources: []config.SourceConfig{
			{Device: "usb-mic", Gain: gain(1.5)},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.SourcesChanged {
		t.Error("expected SourcesChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.SourceChanges) != 0 {
		t.Errorf("expected 0 source changes, got %d", len(d.SourceChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_GainChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic", Gain: gain(1.0)}}}
	new := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic", Gain: gain(2.0)}}}

	d := config.Diff(old, new)
	if !d.SourcesChanged || len(d.SourceChanges) != 1 {
		t.Fatalf("expected one source change, got %+v", d)
	}
	sd := d.SourceChanges[0]
	if sd.Device != "usb-mic" || !sd.GainChanged || sd.NewGain != 2.0 {
		t.Errorf("unexpected source diff %+v", sd)
	}
	if sd.EnabledChanged {
		t.Error("enabled should be unchanged")
	}
}

func TestDiff_AbsentGainMeansUnity(t *testing.T) {
	t.Parallel()
	// Omitting gain and writing gain: 1.0 are the same configuration.
	old := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic"}}}
	new := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic", Gain: gain(1.0)}}}

	d := config.Diff(old, new)
	if d.SourcesChanged {
		t.Errorf("expected no change between absent gain and unity gain, got %+v", d.SourceChanges)
	}
}

func TestDiff_MuteIsAChange(t *testing.T) {
	t.Parallel()
	old := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic"}}}
	new := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic", Gain: gain(0)}}}

	d := config.Diff(old, new)
	if len(d.SourceChanges) != 1 || !d.SourceChanges[0].GainChanged || d.SourceChanges[0].NewGain != 0 {
		t.Errorf("expected gain change to 0, got %+v", d.SourceChanges)
	}
}

func TestDiff_EnabledChanged(t *testing.T) {
	t.Parallel()
	off := false
	old := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic"}}}
	new := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic", Enabled: &off}}}

	d := config.Diff(old, new)
	if len(d.SourceChanges) != 1 {
		t.Fatalf("expected one source change, got %d", len(d.SourceChanges))
	}
	sd := d.SourceChanges[0]
	if !sd.EnabledChanged || sd.NewEnabled {
		t.Errorf("unexpected source diff %+v", sd)
	}
}

func TestDiff_AddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{Sources: []config.SourceConfig{{Device: "usb-mic"}}}
	new := &config.Config{Sources: []config.SourceConfig{{Device: "loopback"}}}

	d := config.Diff(old, new)
	if len(d.SourceChanges) != 2 {
		t.Fatalf("expected two source changes, got %d: %+v", len(d.SourceChanges), d.SourceChanges)
	}
	var added, removed bool
	for _, sd := range d.SourceChanges {
		switch {
		case sd.Device == "loopback" && sd.Added:
			added = true
		case sd.Device == "usb-mic" && sd.Removed:
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("expected loopback added and usb-mic removed, got %+v", d.SourceChanges)
	}
}
