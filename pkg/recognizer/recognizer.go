// Package recognizer defines the Provider interface for streaming
// speech-to-text backends.
//
// A recognizer wraps a transcription engine (local whisper.cpp, a websocket
// transcription server, or a scripted mock) and exposes a uniform streaming
// interface: once a session is open it accepts raw PCM audio and emits two
// streams of Transcript values — low-latency partials for display and
// authoritative finals for the transcript log. The engine's internal model
// and protocol are opaque to the pipeline.
//
// Implementations must be safe for concurrent use.
package recognizer

import (
	"context"
	"time"
)

// StreamConfig describes the audio format for a new recognition session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz (the pipeline feeds 16000).
	SampleRate int

	// Channels is the channel count; the pipeline feeds mono.
	Channels int

	// Language is the BCP-47 language tag for recognition. Empty lets the
	// backend use its default or auto-detect.
	Language string
}

// Transcript is one recognition result, partial or final.
type Transcript struct {
	// Text is the recognized speech content.
	Text string

	// IsFinal reports whether this result is authoritative. A partial is
	// superseded by the next result of either kind; a final is never
	// reissued.
	IsFinal bool

	// Start and End bound the utterance, relative to session start.
	// Zero when the backend does not report offsets.
	Start time.Duration
	End   time.Duration
}

// SessionHandle is an open streaming recognition session.
//
// Callers must Close the handle when done; failing to do so leaks goroutines
// inside the backend. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of little-endian 16-bit PCM matching the
	// session's StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns the channel emitting interim results. Closed when the
	// session ends.
	Partials() <-chan Transcript

	// Finals returns the channel emitting authoritative results, in the
	// order the backend produced them. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio (emitting any tail final), closes both
	// transcript channels, and releases resources. Safe to call more than
	// once; subsequent calls return nil.
	Close() error
}

// Provider is the abstraction over any recognition backend.
type Provider interface {
	// StartStream opens a new session ready to accept audio immediately.
	// Returns an error if the backend cannot start (model missing, server
	// unreachable, or ctx already cancelled). The caller owns the handle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
