// Package source turns one open capture device into a normalized stream of
// pipeline frames: 16 kHz mono int16, fixed frame size, per-sample gain with
// hard clipping, strictly increasing sequence numbers.
//
// Each Stream runs its own capture loop and hands frames to the mixer over a
// bounded queue. A stream that cannot deliver two consecutive frames in real
// time is presumed starved: it drops audio instead of blocking and emits a
// gap marker once the queue frees up, so one misbehaving consumer can never
// stall capture.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/pkg/audio"
	"github.com/quillaudio/quill/pkg/audio/capture"
)

// defaultQueueDepth is the bounded hand-off queue between a source stream and
// the mixer, in frames.
const defaultQueueDepth = 8

// starvedAfterMisses is how many consecutive missed send deadlines mark the
// stream starved.
const starvedAfterMisses = 2

// Config holds the per-source settings applied to a stream at open time.
// Gain may be adjusted live through [Stream.SetGain]; everything else is
// immutable while the stream runs.
type Config struct {
	// Gain is the resolved linear gain factor in [0.0, 2.0]; 1.0 is unity
	// and 0.0 mutes. Callers pass the effective value, not a config default.
	Gain float64

	// QueueDepth overrides the bounded output queue size in frames.
	QueueDepth int
}

// Stream owns one open capture handle and produces pipeline frames from it.
type Stream struct {
	id     string
	device capture.Device
	cap    capture.Stream
	out    chan audio.Frame
	gain   atomic.Uint64 // float64 bits; written by SetGain, read by the loop
	m      *observe.Metrics

	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Open starts capturing from dev and returns a running Stream. The supplied
// ctx governs the open attempt only. Errors wrap [capture.ErrDeviceOpen].
func Open(ctx context.Context, platform capture.Platform, dev capture.Device, cfg Config, m *observe.Metrics) (*Stream, error) {
	cs, err := platform.Open(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", dev.ID, err)
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}

	s := &Stream{
		id:       dev.ID,
		device:   dev,
		cap:      cs,
		out:      make(chan audio.Frame, depth),
		m:        m,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.gain.Store(math.Float64bits(cfg.Gain))

	if m != nil {
		m.ActiveSources.Add(context.Background(), 1)
	}
	go s.run()
	return s, nil
}

// ID returns the source identifier (the device ID it was opened on).
func (s *Stream) ID() string { return s.id }

// Frames returns the bounded output queue. The channel closes when the
// stream ends; check [Stream.Err] afterwards to distinguish a clean Close
// from a vanished device.
func (s *Stream) Frames() <-chan audio.Frame { return s.out }

// Done is closed when the stream has fully stopped, for callers that watch
// for device loss without consuming frames.
func (s *Stream) Done() <-chan struct{} { return s.finished }

// Err reports why the stream ended: nil after a clean Close, an error
// wrapping [capture.ErrDeviceGone] when the device vanished mid-session.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetGain atomically replaces the live gain factor. Takes effect on the next
// captured chunk.
func (s *Stream) SetGain(gain float64) {
	s.gain.Store(math.Float64bits(gain))
}

// Close stops capture and releases the device. Safe to call at any point in
// the stream's life and more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.cap.Close()
	})
	<-s.finished
	return nil
}

// run is the capture loop. It owns all conversion state and the output
// channel, which it closes on exit.
func (s *Stream) run() {
	defer close(s.finished)
	defer close(s.out)
	if s.m != nil {
		defer s.m.ActiveSources.Add(context.Background(), -1)
	}

	attrs := metric.WithAttributes(attribute.String("source", s.id))

	var (
		remainder  []int16 // samples not yet filling a whole frame
		seq        uint64
		emitted    int // total pipeline samples emitted, drives timestamps
		misses     int // consecutive missed send deadlines
		pendingGap bool
	)

	deadline := time.NewTimer(audio.FrameDuration)
	if !deadline.Stop() {
		<-deadline.C
	}
	defer deadline.Stop()

	// send delivers one frame within the real-time budget. While starved it
	// drops immediately instead of waiting.
	send := func(f audio.Frame) bool {
		if misses >= starvedAfterMisses {
			select {
			case s.out <- f:
				misses = 0
				return true
			default:
				return false
			}
		}
		select {
		case s.out <- f:
			misses = 0
			return true
		default:
		}
		deadline.Reset(audio.FrameDuration)
		select {
		case s.out <- f:
			if !deadline.Stop() {
				<-deadline.C
			}
			misses = 0
			return true
		case <-deadline.C:
			misses++
			return false
		case <-s.done:
			if !deadline.Stop() {
				<-deadline.C
			}
			return false
		}
	}

	for {
		select {
		case <-s.done:
			return
		case chunk, ok := <-s.cap.Chunks():
			if !ok {
				// Device ended the stream on its own.
				if err := s.cap.Err(); err != nil {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
					slog.Warn("source: device lost mid-session", "source", s.id, "err", err)
				}
				return
			}

			samples := audio.ToPipelineFormat(chunk.Samples, chunk.SampleRate, chunk.Channels)
			audio.ApplyGain(samples, math.Float64frombits(s.gain.Load()))
			remainder = append(remainder, samples...)

			for len(remainder) >= audio.FrameSamples {
				if pendingGap {
					gap := audio.Silence(seq, audio.Duration(emitted))
					gap.Gap = true
					if !send(gap) {
						if s.m != nil {
							s.m.SourceDrops.Add(context.Background(), 1, attrs)
						}
						break // still starved; retry the marker later
					}
					pendingGap = false
					seq++
					emitted += audio.FrameSamples
				}

				frame := audio.Frame{
					Samples:   remainder[:audio.FrameSamples:audio.FrameSamples],
					Seq:       seq,
					Timestamp: audio.Duration(emitted),
				}
				remainder = remainder[audio.FrameSamples:]

				if send(frame) {
					seq++
					emitted += audio.FrameSamples
					continue
				}

				select {
				case <-s.done:
					return
				default:
				}

				// Deadline missed: the frame is lost. Consume its sequence
				// slot so the gap is observable downstream, and raise the
				// marker once we are past the starvation threshold.
				seq++
				emitted += audio.FrameSamples
				if s.m != nil {
					s.m.SourceDrops.Add(context.Background(), 1, attrs)
				}
				if misses >= starvedAfterMisses {
					pendingGap = true
				}
			}

			// A stalled mixer must not let the remainder grow without bound.
			if maxRemainder := audio.FrameSamples * (starvedAfterMisses + 1); len(remainder) > maxRemainder {
				remainder = remainder[len(remainder)-maxRemainder:]
			}
		}
	}
}
