// Package audio defines the frame type and PCM helpers shared by every stage
// of the Quill capture pipeline.
//
// All audio inside the pipeline is signed 16-bit mono at [SampleRate]. Capture
// adapters may deliver other native formats; internal/source converts them at
// the boundary so that everything downstream of a source stream deals only in
// [Frame] values of exactly [FrameSamples] samples.
package audio

import (
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the pipeline-wide sample rate in Hz, dictated by the
	// recognizer input format.
	SampleRate = 16000

	// Channels is the pipeline-wide channel count. Everything past the
	// source boundary is mono.
	Channels = 1

	// FrameSamples is the number of samples in one frame (32 ms at 16 kHz).
	FrameSamples = 512

	// FrameDuration is the wall-clock duration of one frame. It is also the
	// mixer's tick interval.
	FrameDuration = time.Duration(FrameSamples) * time.Second / SampleRate
)

// Frame is a fixed-duration slice of mono int16 samples — the atomic unit of
// audio transport through the pipeline.
//
// Ownership: the producer owns a Frame until it is handed to the next stage's
// queue; after that the consumer owns it exclusively. Frames are never shared
// between stages.
type Frame struct {
	// Samples holds exactly FrameSamples signed 16-bit values.
	Samples []int16

	// Seq is a strictly increasing per-producer sequence number. A gap in
	// the sequence signals a dropped-frame fault, not reordering.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Gap marks a marker frame emitted after the producer missed its
	// real-time deadline: Samples are silence and the audio that should
	// have occupied this slot was lost.
	Gap bool
}

// Silence returns a frame of zero-valued samples with the given sequence
// number and timestamp. Used for comfort silence and gap markers.
func Silence(seq uint64, ts time.Duration) Frame {
	return Frame{
		Samples:   make([]int16, FrameSamples),
		Seq:       seq,
		Timestamp: ts,
	}
}

// Bytes encodes samples as little-endian 16-bit PCM, the wire format expected
// by recognizer backends.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Samples decodes little-endian 16-bit PCM into int16 samples. A trailing odd
// byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Duration returns the wall-clock duration of n mono samples at the pipeline
// sample rate.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
