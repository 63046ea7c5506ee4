// Package whispercpp implements recognizer.Provider on top of the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH.
//
// whisper.cpp is not a streaming decoder, so the session buffers speech and
// runs inference at utterance boundaries: a run of consecutive silence (RMS
// below threshold) flushes the buffer as a final result, and a maximum buffer
// duration forces a flush during uninterrupted speech.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/quillaudio/quill/pkg/recognizer"
)

const (
	// rmsThreshold is the root-mean-square energy (16-bit PCM units) below
	// which a chunk counts as silence.
	rmsThreshold = 300.0

	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultSilenceFlush = 500 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second
)

// Provider implements recognizer.Provider using whisper.cpp. The model is
// loaded once at construction and shared across all sessions; each session
// creates its own whisper context per inference, which the bindings allow
// concurrently against a shared model.
type Provider struct {
	model        whisperlib.Model
	language     string
	silenceFlush time.Duration
	maxUtterance time.Duration
}

var _ recognizer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the transcription language code (e.g. "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceFlush sets the consecutive-silence duration that flushes the
// accumulated speech buffer. Defaults to 500 ms.
func WithSilenceFlush(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.silenceFlush = d
		}
	}
}

// WithMaxUtterance sets the maximum buffered speech duration before a forced
// flush. Defaults to 10 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.maxUtterance = d
		}
	}
}

// New loads the whisper.cpp model from modelPath. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:        model,
		language:     defaultLanguage,
		silenceFlush: defaultSilenceFlush,
		maxUtterance: defaultMaxUtterance,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new recognition session.
func (p *Provider) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	s := &session{
		model:        p.model,
		language:     lang,
		sampleRate:   sr,
		channels:     ch,
		silenceFlush: p.silenceFlush,
		maxUtterance: p.maxUtterance,

		audioCh:  make(chan []byte, 256),
		partials: make(chan recognizer.Transcript, 64),
		finals:   make(chan recognizer.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.transcribe = s.infer
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s, nil
}

// session is a live whisper recognition session. All buffering and silence
// detection state is confined to the processLoop goroutine.
type session struct {
	model        whisperlib.Model
	language     string
	sampleRate   int
	channels     int
	silenceFlush time.Duration
	maxUtterance time.Duration

	audioCh  chan []byte
	partials chan recognizer.Transcript
	finals   chan recognizer.Transcript

	// transcribe runs inference over a buffered utterance. It is a field so
	// the buffering and flush logic can be exercised without a loaded model.
	transcribe func(pcm []byte) (string, error)

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ recognizer.SessionHandle = (*session)(nil)

// SendAudio queues one chunk of 16-bit little-endian PCM.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whispercpp: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whispercpp: session is closed")
	}
}

func (s *session) Partials() <-chan recognizer.Transcript { return s.partials }
func (s *session) Finals() <-chan recognizer.Transcript   { return s.finals }

// Close flushes any buffered speech as a tail final and tears the session down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer     []byte
		hadSpeech  bool
		silence    time.Duration
		fed        time.Duration // total audio time fed, for utterance offsets
		utterStart time.Duration
	)

	bytesPerSecond := s.sampleRate * s.channels * 2
	maxBufferBytes := int(int64(bytesPerSecond) * int64(s.maxUtterance) / int64(time.Second))

	flush := func() {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silence = 0
			return
		}

		pcm := buffer
		start, end := utterStart, fed
		buffer = nil
		hadSpeech = false
		silence = 0

		text, err := s.transcribe(pcm)
		if err != nil {
			slog.Error("whispercpp inference failed", "error", err)
			return
		}
		if text == "" {
			return
		}

		// Finals must not be dropped. The consumer drains this channel
		// until it is closed, so a blocking send is safe even on the tail
		// flush during Close.
		s.finals <- recognizer.Transcript{Text: text, IsFinal: true, Start: start, End: end}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-s.done:
			flush()
			return

		case chunk := <-s.audioCh:
			d := time.Duration(len(chunk)) * time.Second / time.Duration(bytesPerSecond)
			fed += d

			if rms(chunk) < rmsThreshold {
				if hadSpeech {
					silence += d
					buffer = append(buffer, chunk...)
					if silence >= s.silenceFlush {
						flush()
					}
				}
			} else {
				if !hadSpeech {
					utterStart = fed - d
				}
				hadSpeech = true
				silence = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					flush()
				}
			}
		}
	}
}

// infer converts the buffered PCM to float32 mono and runs whisper.cpp over
// it with a fresh context. Contexts are not thread-safe but the model is
// shareable, so each inference gets its own.
func (s *session) infer(pcm []byte) (string, error) {
	samples := toFloat32Mono(pcm, s.channels)

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using default", "language", s.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// rms computes the root-mean-square energy of a 16-bit PCM chunk.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// toFloat32Mono down-mixes interleaved 16-bit PCM to mono float32 in [-1, 1],
// the sample format whisper.cpp expects.
func toFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := (i*channels + c) * 2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		out[i] = float32(sum/int32(channels)) / 32768.0
	}
	return out
}
