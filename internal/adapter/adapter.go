// Package adapter bridges the mixed audio stream to a streaming speech
// recognizer and fans the resulting transcript events out to subscribers.
//
// The adapter owns one recognizer session for the lifetime of a recording.
// It pumps mixed frames into the session as fast as they arrive and
// demultiplexes the session's partial and final results into
// [transcript.Event] values. Finals are delivered to every subscriber in
// recognizer order and are never dropped; partials are best-effort and are
// skipped for subscribers that have fallen behind, since a newer partial
// supersedes an older one anyway.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/internal/transcript"
	"github.com/quillaudio/quill/pkg/audio"
	"github.com/quillaudio/quill/pkg/recognizer"
)

// defaultSubscriberBuffer bounds a subscriber's event queue.
const defaultSubscriberBuffer = 32

// Option configures an [Adapter] during Start.
type Option func(*Adapter)

// WithLanguage sets the recognition language hint passed to the provider.
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.language = lang }
}

// WithMetrics wires the adapter's instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(a *Adapter) { a.met = met }
}

// Adapter feeds one recognizer session and publishes its results.
type Adapter struct {
	handle   recognizer.SessionHandle
	frames   <-chan audio.Frame
	language string
	met      *observe.Metrics

	mu   sync.Mutex
	subs []chan transcript.Event

	handleOnce sync.Once
	handleErr  error

	closeOnce sync.Once
	done      chan struct{} // demux loop finished, subscribers closed
}

// Start opens a recognizer session and begins pumping frames from the given
// channel. The adapter runs until the frame channel closes or [Adapter.Close]
// is called, whichever comes first.
func Start(ctx context.Context, provider recognizer.Provider, frames <-chan audio.Frame, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		frames: frames,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	handle, err := provider.StartStream(ctx, recognizer.StreamConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Language:   a.language,
	})
	if err != nil {
		return nil, fmt.Errorf("adapter: start recognizer stream: %w", err)
	}
	a.handle = handle

	go a.feedLoop()
	go a.demuxLoop()
	return a, nil
}

// Subscribe registers a new event consumer. The returned channel closes when
// the adapter shuts down. Final events block until the subscriber takes
// them; a slow subscriber therefore backpressures finals but only loses
// partials.
func (a *Adapter) Subscribe() <-chan transcript.Event {
	ch := make(chan transcript.Event, defaultSubscriberBuffer)
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		close(ch)
	default:
		a.subs = append(a.subs, ch)
	}
	return ch
}

// Done closes once all tail results have been delivered and subscriber
// channels are closed.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Close stops feeding, asks the recognizer to finalize buffered audio, and
// waits for the tail results to reach subscribers. Safe to call more than
// once.
func (a *Adapter) Close() error {
	a.closeHandle()
	<-a.done
	return a.handleErr
}

// closeHandle closes the recognizer session exactly once. The session close
// is what makes the provider flush its final results and close the result
// channels, which in turn ends the demux loop.
func (a *Adapter) closeHandle() {
	a.handleOnce.Do(func() {
		a.handleErr = a.handle.Close()
	})
}

func (a *Adapter) feedLoop() {
	for frame := range a.frames {
		start := time.Now()
		err := a.handle.SendAudio(audio.Bytes(frame.Samples))
		if a.met != nil {
			a.met.FeedDuration.Record(context.Background(), time.Since(start).Seconds())
		}
		if err != nil {
			if a.met != nil {
				a.met.FeedErrors.Add(context.Background(), 1)
			}
			slog.Warn("adapter: recognizer rejected audio, continuing", "seq", frame.Seq, "error", err)
		}
	}
	// Upstream ended the recording; finalize so the tail results flush.
	a.closeHandle()
}

func (a *Adapter) demuxLoop() {
	defer a.closeSubs()

	partials := a.handle.Partials()
	finals := a.handle.Finals()

	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			a.publishPartial(toEvent(t, transcript.Partial))

		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if a.met != nil {
				a.met.FinalEvents.Add(context.Background(), 1)
			}
			a.publishFinal(toEvent(t, transcript.Final))
		}
	}
}

func (a *Adapter) closeSubs() {
	a.mu.Lock()
	defer a.mu.Unlock()
	close(a.done)
	for _, ch := range a.subs {
		close(ch)
	}
	a.subs = nil
}

// publishFinal delivers to every subscriber in order, blocking so committed
// text is never lost.
func (a *Adapter) publishFinal(e transcript.Event) {
	a.mu.Lock()
	subs := a.subs
	a.mu.Unlock()
	for _, ch := range subs {
		ch <- e
	}
}

// publishPartial delivers best-effort; a full subscriber just misses this
// hypothesis and catches a fresher one.
func (a *Adapter) publishPartial(e transcript.Event) {
	a.mu.Lock()
	subs := a.subs
	a.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func toEvent(t recognizer.Transcript, kind transcript.Kind) transcript.Event {
	return transcript.Event{
		Kind:  kind,
		Text:  t.Text,
		Start: t.Start,
		End:   t.End,
	}
}
