// Package session owns the recording lifecycle.
//
// A Controller wires capture sources, the mixer, the recognizer adapter, and
// the transcript sink into one recording and drives them through the
// Idle → Recording ⇄ Paused → Idle state machine. Shutdown is terminal.
// State-changing methods called in the wrong state fail with
// [ErrInvalidTransition] and leave the current recording untouched.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/quillaudio/quill/internal/adapter"
	"github.com/quillaudio/quill/internal/config"
	"github.com/quillaudio/quill/internal/mixer"
	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/internal/source"
	"github.com/quillaudio/quill/internal/transcript"
	"github.com/quillaudio/quill/pkg/audio/capture"
	"github.com/quillaudio/quill/pkg/recognizer"
)

// State is the controller's lifecycle phase.
type State int

const (
	// Idle means no recording is running; Start is allowed.
	Idle State = iota
	// Recording means sources are captured, mixed, and recognized.
	Recording
	// Paused means sources stay open but the mixer has stopped ticking.
	Paused
	// Stopped is the terminal state entered by Shutdown.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a lifecycle method is called in a
// state that does not allow it.
var ErrInvalidTransition = errors.New("session: invalid transition")

// ErrNoSources is returned by Start when not a single capture source could
// be opened.
var ErrNoSources = errors.New("session: no capture sources available")

// DefaultDeviceID in a source config selects the system default input device.
const DefaultDeviceID = "default"

// Info holds metadata about the current recording.
type Info struct {
	State          State
	StartedAt      time.Time
	Sources        []string
	TranscriptPath string
}

// ControllerConfig holds all dependencies for a [Controller].
type ControllerConfig struct {
	Platform capture.Platform
	Provider recognizer.Provider
	Config   *config.Config
	Metrics  *observe.Metrics
}

// Controller manages the lifecycle of a recording. Only one recording can be
// active at a time. All exported methods are safe for concurrent use.
type Controller struct {
	platform capture.Platform
	provider recognizer.Provider
	cfg      *config.Config
	met      *observe.Metrics

	mu        sync.Mutex
	state     State
	startedAt time.Time
	sources   map[string]*source.Stream
	gains     map[string]float64
	mix       *mixer.Mixer
	adpt      *adapter.Adapter
	sink      *transcript.Sink
	pumpDone  chan struct{}
	bcastStop chan struct{}

	subMu     sync.Mutex
	subs      []chan transcript.Event
	subClosed bool
}

// NewController creates a Controller in the Idle state.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		platform: cfg.Platform,
		provider: cfg.Provider,
		cfg:      cfg.Config,
		met:      cfg.Metrics,
		gains:    make(map[string]float64),
	}
}

// Subscribe registers a consumer of transcript events. The subscription
// survives across recordings; the channel closes on Shutdown. Final events
// are delivered in order and block a slow subscriber; partials are
// best-effort.
func (c *Controller) Subscribe() <-chan transcript.Event {
	ch := make(chan transcript.Event, 64)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subClosed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns metadata about the current recording. Zero values outside
// Recording and Paused.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{State: c.state, StartedAt: c.startedAt}
	for id := range c.sources {
		info.Sources = append(info.Sources, id)
	}
	if c.sink != nil {
		info.TranscriptPath = c.sink.Path()
	}
	return info
}

// Start begins a new recording: it opens every enabled configured source,
// starts the mixer and recognizer session, and opens a fresh transcript
// file. Sources that fail to open are skipped with a warning; Start fails
// with [ErrNoSources] only when none open at all. With no sources
// configured, the system default input device is used.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Recording, Paused:
		return c.invalidTransition("start")
	case Stopped:
		return c.invalidTransition("start")
	}

	specs := c.enabledSources()
	if len(specs) == 0 {
		return ErrNoSources
	}

	streams, err := c.openSources(ctx, specs)
	if err != nil {
		return err
	}

	mixOpts := []mixer.Option{mixer.WithMetrics(c.met)}
	if c.cfg.Mixer.Tick > 0 {
		mixOpts = append(mixOpts, mixer.WithTick(c.cfg.Mixer.Tick))
	}
	if c.cfg.Mixer.Grace > 0 {
		mixOpts = append(mixOpts, mixer.WithGrace(c.cfg.Mixer.Grace))
	}
	if c.cfg.Mixer.OutputDepth > 0 {
		mixOpts = append(mixOpts, mixer.WithOutputDepth(c.cfg.Mixer.OutputDepth))
	}
	mix := mixer.New(mixOpts...)

	adpt, err := adapter.Start(ctx, c.provider, mix.Frames(),
		adapter.WithLanguage(c.cfg.Recognizer.Language),
		adapter.WithMetrics(c.met),
	)
	if err != nil {
		_ = mix.Close()
		closeStreams(streams)
		return fmt.Errorf("session: start recognizer: %w", err)
	}

	var sinkOpts []transcript.SinkOption
	if c.cfg.Transcript.AutosaveInterval > 0 {
		sinkOpts = append(sinkOpts, transcript.WithAutosaveInterval(c.cfg.Transcript.AutosaveInterval))
	}
	if c.met != nil {
		sinkOpts = append(sinkOpts, transcript.WithSinkMetrics(c.met))
	}
	sink, err := transcript.Open(c.cfg.Transcript.Dir, sinkOpts...)
	if err != nil {
		_ = adpt.Close()
		_ = mix.Close()
		closeStreams(streams)
		return fmt.Errorf("session: open transcript: %w", err)
	}

	for id, st := range streams {
		mix.AddSource(id, st.Frames())
		go c.watchSource(id, st)
	}

	c.state = Recording
	c.startedAt = time.Now()
	c.sources = streams
	c.mix = mix
	c.adpt = adpt
	c.sink = sink
	c.pumpDone = make(chan struct{})
	c.bcastStop = make(chan struct{})
	go c.pump(adpt.Subscribe(), sink, c.pumpDone, c.bcastStop)

	if c.met != nil {
		c.met.SessionsStarted.Add(ctx, 1)
	}
	slog.Info("recording started",
		"sources", len(streams),
		"recognizer", c.cfg.Recognizer.Name,
		"transcript", sink.Path(),
	)
	return nil
}

// Pause suspends mixing and recognition while keeping sources open, so
// Resume is fast and device handles are not churned.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording {
		return c.invalidTransition("pause")
	}
	c.mix.Pause()
	c.state = Paused
	slog.Info("recording paused")
	return nil
}

// Resume continues a paused recording with a fresh mixer clock.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return c.invalidTransition("resume")
	}
	c.mix.Resume()
	c.state = Recording
	slog.Info("recording resumed")
	return nil
}

// Stop ends the recording: sources close, buffered audio is finalized by
// the recognizer, tail results land in the transcript, and the sink flushes
// and closes. The controller returns to Idle, ready for a new Start.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording && c.state != Paused {
		return c.invalidTransition("stop")
	}
	c.teardownLocked()
	c.state = Idle
	slog.Info("recording stopped")
	return nil
}

// Shutdown stops any active recording and moves the controller to the
// terminal Stopped state, closing all subscriber channels.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Recording || c.state == Paused {
		c.teardownLocked()
	}
	c.state = Stopped
	c.mu.Unlock()

	c.subMu.Lock()
	c.subClosed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.subMu.Unlock()

	slog.Info("session controller shut down")
	return ctx.Err()
}

// SetGain adjusts a source's gain. Applies immediately to an open stream
// and is remembered for sources opened later.
func (c *Controller) SetGain(device string, gain float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gains[device] = gain
	if st, ok := c.sources[device]; ok {
		st.SetGain(gain)
		slog.Info("source gain changed", "source", device, "gain", gain)
	}
}

// SetEnabled opens or closes a source mid-recording. Outside Recording and
// Paused it only records the desired state for the next Start, which reads
// the config.
func (c *Controller) SetEnabled(ctx context.Context, device string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Recording && c.state != Paused {
		return nil
	}

	if !enabled {
		st, ok := c.sources[device]
		if !ok {
			return nil
		}
		delete(c.sources, device)
		c.mix.RemoveSource(device)
		if err := st.Close(); err != nil {
			slog.Warn("source close error", "source", device, "err", err)
		}
		slog.Info("source disabled", "source", device)
		return nil
	}

	if _, ok := c.sources[device]; ok {
		return nil
	}
	dev, err := c.resolveDevice(ctx, device)
	if err != nil {
		return err
	}
	st, err := source.Open(ctx, c.platform, dev, source.Config{Gain: c.gainFor(device)}, c.met)
	if err != nil {
		return err
	}
	c.sources[device] = st
	c.mix.AddSource(device, st.Frames())
	go c.watchSource(device, st)
	slog.Info("source enabled", "source", device)
	return nil
}

// invalidTransition logs, counts, and wraps the sentinel. Caller holds c.mu.
func (c *Controller) invalidTransition(op string) error {
	if c.met != nil {
		c.met.InvalidTransitions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("command", op)))
	}
	slog.Warn("invalid session transition ignored", "op", op, "state", c.state.String())
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, c.state)
}

// enabledSources resolves the configured source list, substituting the
// default device when nothing is configured. Caller holds c.mu.
func (c *Controller) enabledSources() []config.SourceConfig {
	var specs []config.SourceConfig
	for _, src := range c.cfg.Sources {
		if src.IsEnabled() {
			specs = append(specs, src)
		}
	}
	if len(specs) == 0 && len(c.cfg.Sources) == 0 {
		specs = append(specs, config.SourceConfig{Device: DefaultDeviceID})
	}
	return specs
}

// openSources opens all sources in parallel. Individual failures are logged
// and skipped; only a total failure is an error. Caller holds c.mu.
func (c *Controller) openSources(ctx context.Context, specs []config.SourceConfig) (map[string]*source.Stream, error) {
	var smu sync.Mutex
	streams := make(map[string]*source.Stream, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		g.Go(func() error {
			dev, err := c.resolveDevice(gctx, spec.Device)
			if err != nil {
				slog.Warn("skipping source: device not available", "source", spec.Device, "err", err)
				return nil
			}
			gain := spec.EffectiveGain()
			if override, ok := c.gains[spec.Device]; ok {
				gain = override
			}
			st, err := source.Open(gctx, c.platform, dev, source.Config{Gain: gain}, c.met)
			if err != nil {
				slog.Warn("skipping source: open failed", "source", spec.Device, "err", err)
				return nil
			}
			smu.Lock()
			streams[spec.Device] = st
			smu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeStreams(streams)
		return nil, fmt.Errorf("session: open sources: %w", err)
	}

	if len(streams) == 0 {
		return nil, ErrNoSources
	}
	return streams, nil
}

// resolveDevice maps a configured device id to a capture device, following
// the system default when asked for it.
func (c *Controller) resolveDevice(ctx context.Context, id string) (capture.Device, error) {
	if id == DefaultDeviceID {
		dev, ok, err := c.platform.DefaultDevice(ctx)
		if err != nil {
			return capture.Device{}, fmt.Errorf("session: default device: %w", err)
		}
		if !ok {
			return capture.Device{}, fmt.Errorf("session: %w: no default input device", ErrNoSources)
		}
		return dev, nil
	}

	devices, err := c.platform.ListInputDevices(ctx)
	if err != nil {
		return capture.Device{}, fmt.Errorf("session: list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.ID == id || dev.Name == id {
			return dev, nil
		}
	}
	return capture.Device{}, fmt.Errorf("session: device %q not found", id)
}

func (c *Controller) gainFor(device string) float64 {
	if g, ok := c.gains[device]; ok {
		return g
	}
	for _, src := range c.cfg.Sources {
		if src.Device == device {
			return src.EffectiveGain()
		}
	}
	return 1.0
}

// watchSource removes a source from the recording when its stream ends on
// its own, typically because the device vanished.
func (c *Controller) watchSource(id string, st *source.Stream) {
	<-st.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sources[id] != st {
		return
	}
	delete(c.sources, id)
	if c.mix != nil {
		c.mix.RemoveSource(id)
	}
	if err := st.Err(); err != nil {
		slog.Warn("source ended, continuing with remaining sources", "source", id, "err", err)
	}
}

// teardownLocked closes the recording pipeline front to back: sources stop
// producing, the mixer drains and closes its output, the adapter finalizes
// the recognizer session and delivers tail results, and the sink flushes.
// Caller holds c.mu.
//
// bcastStop is closed first so a subscriber that stopped draining cannot
// wedge the event pump; from here on every event still reaches the sink but
// subscriber delivery is best-effort.
func (c *Controller) teardownLocked() {
	close(c.bcastStop)
	closeStreams(c.sources)
	if err := c.mix.Close(); err != nil {
		slog.Warn("mixer close error", "err", err)
	}
	if err := c.adpt.Close(); err != nil {
		slog.Warn("recognizer close error", "err", err)
	}
	<-c.pumpDone
	if err := c.sink.Close(); err != nil {
		slog.Warn("transcript close error", "err", err)
	}

	c.sources = nil
	c.mix = nil
	c.adpt = nil
	c.sink = nil
	c.pumpDone = nil
	c.bcastStop = nil
	c.startedAt = time.Time{}
}

// pump moves transcript events from the adapter into the sink and out to
// subscribers for the lifetime of one recording. The sink write happens
// before fan-out, so transcript durability never depends on subscribers.
func (c *Controller) pump(events <-chan transcript.Event, sink *transcript.Sink, done, stop chan struct{}) {
	defer close(done)
	for e := range events {
		sink.Append(e)
		c.broadcast(e, stop)
	}
}

// broadcast fans one event out to subscribers. Finals block so external
// consumers see them in order; the stop channel bounds that wait during
// teardown. Partials are best-effort.
func (c *Controller) broadcast(e transcript.Event, stop <-chan struct{}) {
	c.subMu.Lock()
	subs := c.subs
	c.subMu.Unlock()
	for _, ch := range subs {
		if e.Kind == transcript.Final {
			select {
			case ch <- e:
			case <-stop:
				select {
				case ch <- e:
				default:
				}
			}
		} else {
			select {
			case ch <- e:
			default:
			}
		}
	}
}

func closeStreams(streams map[string]*source.Stream) {
	for id, st := range streams {
		if err := st.Close(); err != nil {
			slog.Warn("source close error", "source", id, "err", err)
		}
	}
}
