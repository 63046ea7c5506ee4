package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	SourcesChanged  bool         // true if any source gain or enabled state changed
	SourceChanges   []SourceDiff // per-source diffs, keyed by device id
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// SourceDiff describes what changed for a single source between two configs.
type SourceDiff struct {
	Device         string
	GainChanged    bool
	NewGain        float64
	EnabledChanged bool
	NewEnabled     bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart. Recognizer,
// mixer, and server changes require a restart and are not reported here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build source lookup maps keyed by device id.
	oldSources := make(map[string]*SourceConfig, len(old.Sources))
	for i := range old.Sources {
		oldSources[old.Sources[i].Device] = &old.Sources[i]
	}
	newSources := make(map[string]*SourceConfig, len(new.Sources))
	for i := range new.Sources {
		newSources[new.Sources[i].Device] = &new.Sources[i]
	}

	// Detect modified and removed sources.
	for device, oldSrc := range oldSources {
		newSrc, exists := newSources[device]
		if !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{
				Device:  device,
				Removed: true,
			})
			d.SourcesChanged = true
			continue
		}
		sd := diffSource(device, oldSrc, newSrc)
		if sd.GainChanged || sd.EnabledChanged {
			d.SourceChanges = append(d.SourceChanges, sd)
			d.SourcesChanged = true
		}
	}

	// Detect added sources.
	for device := range newSources {
		if _, exists := oldSources[device]; !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{
				Device: device,
				Added:  true,
			})
			d.SourcesChanged = true
		}
	}

	return d
}

// diffSource compares two source configs with the same device id.
func diffSource(device string, old, new *SourceConfig) SourceDiff {
	sd := SourceDiff{Device: device}

	if old.EffectiveGain() != new.EffectiveGain() {
		sd.GainChanged = true
		sd.NewGain = new.EffectiveGain()
	}

	if old.IsEnabled() != new.IsEnabled() {
		sd.EnabledChanged = true
		sd.NewEnabled = new.IsEnabled()
	}

	return sd
}
