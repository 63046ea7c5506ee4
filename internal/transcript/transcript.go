// Package transcript carries recognition results through the application
// and persists finalized text to disk.
package transcript

import "time"

// Kind distinguishes revisable hypotheses from committed text.
type Kind int

const (
	// Partial is a low-latency hypothesis that later events may revise.
	Partial Kind = iota
	// Final is committed text that will never change retroactively.
	Final
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return "unknown"
	}
}

// Event is one recognition result enriched with stream offsets. Start and
// End are offsets from the beginning of the recording, not wall-clock time.
type Event struct {
	Kind  Kind
	Text  string
	Start time.Duration
	End   time.Duration
}
