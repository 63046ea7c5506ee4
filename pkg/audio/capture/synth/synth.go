// Package synth provides an in-process synthetic capture platform.
//
// Each configured device generates deterministic PCM from a generator
// function, paced at a configurable interval (real time by default). It backs
// the test suite and the -platform=synth development mode, and doubles as the
// reference implementation for OS capture adapters.
package synth

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/quillaudio/quill/pkg/audio/capture"
)

// Generator produces n native-format interleaved samples for the stretch of
// stream time starting at ts. Implementations must be pure functions of their
// arguments so capture is deterministic.
type Generator func(ts time.Duration, n int) []int16

// SilenceGenerator returns all-zero samples.
func SilenceGenerator(_ time.Duration, n int) []int16 {
	return make([]int16, n)
}

// ToneGenerator returns a Generator producing a sine tone of the given
// frequency and amplitude at sampleRate, mono.
func ToneGenerator(freq float64, amplitude int16, sampleRate int) Generator {
	return func(ts time.Duration, n int) []int16 {
		out := make([]int16, n)
		start := ts.Seconds()
		for i := range out {
			t := start + float64(i)/float64(sampleRate)
			out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*t))
		}
		return out
	}
}

// DeviceSpec binds a synthetic device description to its sample generator.
type DeviceSpec struct {
	Device    capture.Device
	Generator Generator
}

// Option configures a [Platform] during construction.
type Option func(*Platform)

// WithChunkDuration sets how much audio each emitted chunk covers.
// The default is 32 ms.
func WithChunkDuration(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.chunkDur = d
		}
	}
}

// WithPace sets the interval between emitted chunks. The default paces
// chunks in real time (one chunk duration apart). A zero pace emits as fast
// as the consumer drains, which tests use to avoid wall-clock waits.
func WithPace(d time.Duration) Option {
	return func(p *Platform) {
		p.pace = d
		p.paceSet = true
	}
}

// Platform is a synthetic [capture.Platform]. All exported methods are safe
// for concurrent use.
type Platform struct {
	chunkDur time.Duration
	pace     time.Duration
	paceSet  bool

	mu      sync.Mutex
	devices []DeviceSpec
	streams map[*stream]struct{}
	broken  map[string]bool // device IDs forced into enumeration failure
	enumErr bool
}

var _ capture.Platform = (*Platform)(nil)

// New creates a synthetic platform exposing the given devices.
func New(devices []DeviceSpec, opts ...Option) *Platform {
	p := &Platform{
		chunkDur: 32 * time.Millisecond,
		devices:  devices,
		streams:  make(map[*stream]struct{}),
		broken:   make(map[string]bool),
	}
	for _, o := range opts {
		o(p)
	}
	if !p.paceSet {
		p.pace = p.chunkDur
	}
	return p
}

// ListInputDevices returns the configured devices. The slice is rebuilt on
// every call, mirroring a real adapter's fresh enumeration.
func (p *Platform) ListInputDevices(ctx context.Context) ([]capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enumErr {
		return nil, fmt.Errorf("%w: synthetic subsystem unreachable", capture.ErrEnumeration)
	}
	out := make([]capture.Device, 0, len(p.devices))
	for _, spec := range p.devices {
		if p.broken[spec.Device.ID] {
			continue
		}
		out = append(out, spec.Device)
	}
	return out, nil
}

// DefaultDevice returns the first device marked Default, or ok=false.
func (p *Platform) DefaultDevice(ctx context.Context) (capture.Device, bool, error) {
	devices, err := p.ListInputDevices(ctx)
	if err != nil {
		return capture.Device{}, false, err
	}
	for _, d := range devices {
		if d.Default {
			return d, true, nil
		}
	}
	return capture.Device{}, false, nil
}

// Open starts a capture stream on the device with the given ID.
func (p *Platform) Open(ctx context.Context, deviceID string) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var spec *DeviceSpec
	for i := range p.devices {
		if p.devices[i].Device.ID == deviceID && !p.broken[deviceID] {
			spec = &p.devices[i]
			break
		}
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: no such device %q", capture.ErrDeviceOpen, deviceID)
	}

	gen := spec.Generator
	if gen == nil {
		gen = SilenceGenerator
	}

	s := &stream{
		deviceID: deviceID,
		dev:      spec.Device,
		gen:      gen,
		chunkDur: p.chunkDur,
		pace:     p.pace,
		out:      make(chan capture.Chunk, 4),
		done:     make(chan struct{}),
	}
	p.streams[s] = struct{}{}
	go func() {
		s.run()
		p.mu.Lock()
		delete(p.streams, s)
		p.mu.Unlock()
	}()
	return s, nil
}

// Disconnect simulates the device with the given ID vanishing: it drops the
// device from enumeration and ends every open stream on it with
// [capture.ErrDeviceGone].
func (p *Platform) Disconnect(deviceID string) {
	p.mu.Lock()
	p.broken[deviceID] = true
	var victims []*stream
	for s := range p.streams {
		if s.deviceID == deviceID {
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		s.fail(fmt.Errorf("%w: %s", capture.ErrDeviceGone, deviceID))
	}
}

// SetEnumerationBroken toggles a simulated enumeration failure on the whole
// subsystem. Used by tests to exercise the transient-error path.
func (p *Platform) SetEnumerationBroken(broken bool) {
	p.mu.Lock()
	p.enumErr = broken
	p.mu.Unlock()
}

// stream is one synthetic capture handle. The run goroutine owns all sample
// generation; fail and Close only signal it.
type stream struct {
	deviceID string
	dev      capture.Device
	gen      Generator
	chunkDur time.Duration
	pace     time.Duration

	out  chan capture.Chunk
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

var _ capture.Stream = (*stream)(nil)

func (s *stream) Chunks() <-chan capture.Chunk { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return nil
}

// fail ends the stream with the given error, as if the device vanished.
func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *stream) run() {
	defer close(s.out)

	chunkSamples := int(int64(s.dev.SampleRate) * int64(s.chunkDur) / int64(time.Second))
	if chunkSamples <= 0 {
		chunkSamples = 1
	}
	chunkSamples *= max(s.dev.Channels, 1)

	var ticker *time.Ticker
	if s.pace > 0 {
		ticker = time.NewTicker(s.pace)
		defer ticker.Stop()
	}

	var ts time.Duration
	for {
		if ticker != nil {
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}

		chunk := capture.Chunk{
			Samples:    s.gen(ts, chunkSamples),
			SampleRate: s.dev.SampleRate,
			Channels:   max(s.dev.Channels, 1),
			Timestamp:  ts,
		}
		ts += s.chunkDur

		select {
		case <-s.done:
			return
		case s.out <- chunk:
		}
	}
}
