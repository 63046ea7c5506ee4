// Package mixer combines the frame streams of all enabled sources into one
// mono stream at a fixed tick cadence.
//
// On every tick the mixer takes the oldest available frame from each source
// lane, waits at most one grace window for stragglers, silence-fills sources
// that miss it, sums the contributions with hard clipping, and emits exactly
// one mixed frame. Output tick indices are strictly increasing and gap-free
// even when inputs are incomplete, and a single stalled or disconnected
// source degrades to silence instead of freezing the pipeline. With zero
// sources the mixer emits comfort silence so the recognizer keeps receiving
// a steady cadence.
//
// All cross-stage mutation (adding and removing sources, pause and resume)
// travels over a command channel and takes effect at the next tick boundary,
// so a tick being assembled is never corrupted.
package mixer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/pkg/audio"
)

// defaultOutputDepth is the bounded queue between the mixer and the
// recognizer adapter, in frames. When it saturates the oldest unconsumed
// frame is dropped, keeping the pipeline close to real time.
const defaultOutputDepth = 32

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithTick sets the output cadence. The default is one frame duration.
func WithTick(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithGrace sets how long a tick waits for a late source frame before
// silence-filling that source. The default is 1.5 tick durations.
func WithGrace(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.grace = d
			m.graceSet = true
		}
	}
}

// WithOutputDepth sets the bounded output queue size in frames.
func WithOutputDepth(n int) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.outDepth = n
		}
	}
}

// WithMetrics wires the mixer's instruments. Nil metrics are allowed and
// recording is skipped.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Mixer) { m.met = met }
}

// lane is the mixer side of one source's hand-off queue.
type lane struct {
	id     string
	frames <-chan audio.Frame

	// debt counts ticks this lane was silence-filled. Frames arriving after
	// their tick's grace window are stale: one is discarded per unit of
	// debt, never retroactively merged.
	debt int

	gone bool // channel closed; lane is removed at the tick boundary
}

type cmdKind int

const (
	cmdAdd cmdKind = iota
	cmdRemove
	cmdPause
	cmdResume
)

type command struct {
	kind   cmdKind
	id     string
	frames <-chan audio.Frame
	reply  chan struct{}
}

// Mixer merges per-source frame streams into a single tick-ordered output.
// All exported methods are safe for concurrent use.
type Mixer struct {
	tick     time.Duration
	grace    time.Duration
	graceSet bool
	outDepth int
	met      *observe.Metrics

	out  chan audio.Frame
	cmds chan command
	done chan struct{}

	closeOnce sync.Once
	finished  chan struct{}

	// loop-owned state
	lanes     []*lane
	paused    bool
	tickIndex uint64
}

// New creates a Mixer and starts its tick loop immediately. Call
// [Mixer.Close] to stop the loop and close the output channel.
func New(opts ...Option) *Mixer {
	m := &Mixer{
		tick:     audio.FrameDuration,
		outDepth: defaultOutputDepth,
		cmds:     make(chan command),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if !m.graceSet {
		m.grace = m.tick * 3 / 2
	}
	m.out = make(chan audio.Frame, m.outDepth)
	go m.run()
	return m
}

// Frames returns the mixed output stream. Exactly one frame is emitted per
// tick while the mixer is running and not paused; the channel closes on
// Close.
func (m *Mixer) Frames() <-chan audio.Frame { return m.out }

// AddSource registers a source lane. Takes effect at the next tick boundary.
// Adding an id that is already registered replaces its channel.
func (m *Mixer) AddSource(id string, frames <-chan audio.Frame) {
	m.send(command{kind: cmdAdd, id: id, frames: frames})
}

// RemoveSource drops a source lane at the next tick boundary. Unknown ids
// are ignored.
func (m *Mixer) RemoveSource(id string) {
	m.send(command{kind: cmdRemove, id: id})
}

// Pause stops the tick loop from consuming or emitting frames. Lanes are
// left registered.
func (m *Mixer) Pause() {
	m.send(command{kind: cmdPause})
}

// Resume restarts ticking with a fresh clock. Any frames queued while
// paused are discarded so the output does not burst stale audio.
func (m *Mixer) Resume() {
	m.send(command{kind: cmdResume})
}

// Close stops the tick loop and closes the output channel. Safe to call
// more than once.
func (m *Mixer) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	<-m.finished
	return nil
}

// send delivers a command to the loop, completing synchronously so callers
// observe the boundary ordering.
func (m *Mixer) send(cmd command) {
	cmd.reply = make(chan struct{})
	select {
	case m.cmds <- cmd:
		<-cmd.reply
	case <-m.done:
	}
}

func (m *Mixer) run() {
	defer close(m.finished)
	defer close(m.out)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	graceTimer := time.NewTimer(m.grace)
	if !graceTimer.Stop() {
		<-graceTimer.C
	}
	defer graceTimer.Stop()

	for {
		select {
		case <-m.done:
			return

		case cmd := <-m.cmds:
			m.apply(cmd, ticker)
			close(cmd.reply)

		case <-ticker.C:
			if m.paused {
				continue
			}
			m.doTick(graceTimer)
		}
	}
}

// apply executes a command between ticks.
func (m *Mixer) apply(cmd command, ticker *time.Ticker) {
	switch cmd.kind {
	case cmdAdd:
		for _, l := range m.lanes {
			if l.id == cmd.id {
				l.frames = cmd.frames
				l.debt = 0
				l.gone = false
				return
			}
		}
		m.lanes = append(m.lanes, &lane{id: cmd.id, frames: cmd.frames})

	case cmdRemove:
		for i, l := range m.lanes {
			if l.id == cmd.id {
				m.lanes = append(m.lanes[:i], m.lanes[i+1:]...)
				return
			}
		}

	case cmdPause:
		m.paused = true

	case cmdResume:
		if !m.paused {
			return
		}
		m.paused = false
		// Discard everything sources queued during the pause gap.
		for _, l := range m.lanes {
			m.drainLane(l)
			l.debt = 0
		}
		ticker.Reset(m.tick)
	}
}

// drainLane discards all immediately available frames on a lane.
func (m *Mixer) drainLane(l *lane) {
	for {
		select {
		case _, ok := <-l.frames:
			if !ok {
				l.gone = true
				return
			}
		default:
			return
		}
	}
}

// doTick assembles and emits exactly one mixed frame.
func (m *Mixer) doTick(graceTimer *time.Timer) {
	deadline := time.Now().Add(m.grace)

	acc := make([]int32, audio.FrameSamples)
	contributed := 0

	for _, l := range m.lanes {
		frame, ok := m.pull(l, deadline, graceTimer)
		if !ok {
			continue
		}
		if frame.Gap {
			slog.Debug("mixer: source reported dropped audio", "source", l.id, "seq", frame.Seq)
		}
		audio.MixInto(acc, frame.Samples)
		contributed++
	}

	// Drop lanes whose producers have gone away; their absence degrades to
	// silence, which the zero-valued accumulator already provides.
	kept := m.lanes[:0]
	for _, l := range m.lanes {
		if !l.gone {
			kept = append(kept, l)
		} else {
			slog.Info("mixer: source lane removed", "source", l.id)
		}
	}
	m.lanes = kept

	mixed := audio.Frame{
		Samples:   audio.ClipMix(acc),
		Seq:       m.tickIndex,
		Timestamp: time.Duration(m.tickIndex) * m.tick,
	}
	m.tickIndex++
	_ = contributed // zero contributors is comfort silence, not an error

	m.emit(mixed)

	if m.met != nil {
		m.met.MixerTicks.Add(context.Background(), 1)
	}
}

// pull takes the oldest in-date frame from a lane, waiting until the shared
// tick deadline for a straggler. A miss adds one unit of debt; debt is paid
// by discarding that many stale frames before a live one is accepted.
func (m *Mixer) pull(l *lane, deadline time.Time, graceTimer *time.Timer) (audio.Frame, bool) {
	for {
		var frame audio.Frame
		var ok bool

		select {
		case frame, ok = <-l.frames:
		default:
			wait := time.Until(deadline)
			if wait <= 0 {
				m.recordSilenceFill(l)
				return audio.Frame{}, false
			}
			graceTimer.Reset(wait)
			select {
			case frame, ok = <-l.frames:
				if !graceTimer.Stop() {
					<-graceTimer.C
				}
			case <-graceTimer.C:
				m.recordSilenceFill(l)
				return audio.Frame{}, false
			case <-m.done:
				if !graceTimer.Stop() {
					<-graceTimer.C
				}
				return audio.Frame{}, false
			}
		}

		if !ok {
			l.gone = true
			return audio.Frame{}, false
		}

		if l.debt > 0 {
			// Stale frame from a tick that was already silence-filled.
			l.debt--
			if m.met != nil {
				m.met.LateDrops.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("source", l.id)))
			}
			continue
		}
		return frame, true
	}
}

func (m *Mixer) recordSilenceFill(l *lane) {
	l.debt++
	if m.met != nil {
		m.met.SilenceFills.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("source", l.id)))
	}
}

// emit delivers the mixed frame, dropping the oldest queued frame when the
// consumer has fallen behind. Staying near real time beats zero loss here.
func (m *Mixer) emit(f audio.Frame) {
	select {
	case m.out <- f:
		return
	default:
	}

	select {
	case <-m.out:
		if m.met != nil {
			m.met.AdapterDrops.Add(context.Background(), 1)
		}
	default:
	}

	select {
	case m.out <- f:
	default:
	}
}
