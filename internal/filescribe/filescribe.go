// Package filescribe transcribes existing WAV recordings with the same
// recognizer backends that serve live capture.
//
// The audio is normalized to the pipeline format (16 kHz mono) and streamed
// into a recognizer session frame by frame, so an engine tuned for live use
// behaves identically on files. Progress is reported through a callback as
// audio time fed versus total, and cancellation via context aborts between
// frames.
package filescribe

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/sync/errgroup"

	"github.com/quillaudio/quill/internal/transcript"
	"github.com/quillaudio/quill/pkg/audio"
	"github.com/quillaudio/quill/pkg/recognizer"
)

// readChunk is how many source samples are decoded per read.
const readChunk = 8192

// Progress reports transcription advancement: fed is the audio time already
// sent to the recognizer, total is the file's full duration.
type Progress func(fed, total time.Duration)

// Option configures a transcription run.
type Option func(*job)

// WithLanguage sets the recognition language hint.
func WithLanguage(lang string) Option {
	return func(j *job) { j.language = lang }
}

// WithProgress registers a progress callback. It is invoked from the feeding
// goroutine and must be fast.
func WithProgress(p Progress) Option {
	return func(j *job) { j.progress = p }
}

type job struct {
	language string
	progress Progress
}

// Transcribe reads the WAV file at path, streams it through a recognizer
// session, and returns the final transcript events in order. Partial
// hypotheses are discarded; files want committed text only.
func Transcribe(ctx context.Context, provider recognizer.Provider, path string, opts ...Option) ([]transcript.Event, error) {
	j := &job{}
	for _, o := range opts {
		o(j)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filescribe: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("filescribe: %q is not a valid WAV file", path)
	}
	total, err := dec.Duration()
	if err != nil {
		return nil, fmt.Errorf("filescribe: read duration of %q: %w", path, err)
	}

	handle, err := provider.StartStream(ctx, recognizer.StreamConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Language:   j.language,
	})
	if err != nil {
		return nil, fmt.Errorf("filescribe: start recognizer stream: %w", err)
	}

	var mu sync.Mutex
	var finals []transcript.Event
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for t := range handle.Finals() {
			mu.Lock()
			finals = append(finals, transcript.Event{
				Kind:  transcript.Final,
				Text:  t.Text,
				Start: t.Start,
				End:   t.End,
			})
			mu.Unlock()
		}
	}()
	go func() {
		for range handle.Partials() {
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return j.feed(gctx, dec, handle, total)
	})
	feedErr := g.Wait()

	// Closing the session flushes buffered audio into tail finals and closes
	// the result channels, ending the collector.
	closeErr := handle.Close()
	<-collectorDone

	if feedErr != nil {
		return nil, feedErr
	}
	if closeErr != nil {
		return nil, fmt.Errorf("filescribe: finalize recognizer stream: %w", closeErr)
	}

	mu.Lock()
	defer mu.Unlock()
	return finals, nil
}

// feed decodes the WAV in chunks, normalizes each to pipeline format, and
// sends whole frames to the recognizer.
func (j *job) feed(ctx context.Context, dec *wav.Decoder, handle recognizer.SessionHandle, total time.Duration) error {
	if err := dec.FwdToPCM(); err != nil {
		return fmt.Errorf("filescribe: seek to audio data: %w", err)
	}
	srcRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	if srcRate <= 0 || channels <= 0 {
		return fmt.Errorf("filescribe: unsupported format: rate=%d channels=%d", srcRate, channels)
	}

	buf := &goaudio.IntBuffer{Data: make([]int, readChunk*channels)}
	var pending []int16
	var fed time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := dec.PCMBuffer(buf)
		if err != nil && err != io.EOF {
			return fmt.Errorf("filescribe: decode audio: %w", err)
		}
		if n > 0 {
			native := toInt16(buf.Data[:n], bitDepth)
			pending = append(pending, audio.ToPipelineFormat(native, srcRate, channels)...)
		}

		for len(pending) >= audio.FrameSamples {
			frame := pending[:audio.FrameSamples]
			if sendErr := handle.SendAudio(audio.Bytes(frame)); sendErr != nil {
				return fmt.Errorf("filescribe: feed recognizer: %w", sendErr)
			}
			pending = pending[audio.FrameSamples:]
			fed += audio.FrameDuration
			if j.progress != nil {
				j.progress(fed, total)
			}
		}

		if n == 0 || err == io.EOF {
			break
		}
	}

	// Pad the tail to a whole frame so no audio is lost.
	if len(pending) > 0 {
		frame := make([]int16, audio.FrameSamples)
		copy(frame, pending)
		if err := handle.SendAudio(audio.Bytes(frame)); err != nil {
			return fmt.Errorf("filescribe: feed recognizer: %w", err)
		}
		fed += audio.Duration(len(pending))
	}
	if j.progress != nil {
		j.progress(fed, total)
	}
	return nil
}

// toInt16 rescales decoded samples from the source bit depth to 16-bit.
func toInt16(data []int, bitDepth int) []int16 {
	out := make([]int16, len(data))
	for i, v := range data {
		switch bitDepth {
		case 8:
			// WAV 8-bit is unsigned.
			out[i] = int16((v - 128) << 8)
		case 24:
			out[i] = int16(v >> 8)
		case 32:
			out[i] = int16(v >> 16)
		default:
			out[i] = int16(v)
		}
	}
	return out
}
