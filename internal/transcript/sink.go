package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quillaudio/quill/internal/observe"
)

// defaultAutosaveInterval is how often buffered lines are flushed to disk
// while a recording is running.
const defaultAutosaveInterval = 5 * time.Second

// fileTimeLayout names transcript files by session start time.
const fileTimeLayout = "20060102_150405"

// SinkOption configures a [Sink] during Open.
type SinkOption func(*Sink)

// WithAutosaveInterval overrides the periodic flush cadence.
func WithAutosaveInterval(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSinkMetrics wires the sink's instruments.
func WithSinkMetrics(met *observe.Metrics) SinkOption {
	return func(s *Sink) { s.met = met }
}

// syncWriter is the durability surface of the transcript file: what Flush
// needs from the backing file, no more.
type syncWriter interface {
	WriteString(s string) (int, error)
	Sync() error
	Close() error
}

// Sink appends finalized transcript lines to a per-session text file.
// Lines are buffered in memory and flushed on a timer, so a disk hiccup
// never stalls the recognition pipeline; a failed flush keeps the buffer
// and the next attempt retries the same lines. Safe for concurrent use.
type Sink struct {
	path     string
	file     syncWriter
	interval time.Duration
	met      *observe.Metrics

	mu      sync.Mutex
	pending []string

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

// Open creates the session transcript file under dir, named by the current
// time, and starts the autosave loop. The directory is created if missing.
func Open(dir string, opts ...SinkOption) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create directory %q: %w", dir, err)
	}

	path := filepath.Join(dir, "transcription_"+time.Now().Format(fileTimeLayout)+".txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: create %q: %w", path, err)
	}

	s := &Sink{
		path:     path,
		file:     f,
		interval: defaultAutosaveInterval,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	go s.run()
	slog.Info("transcript sink opened", "path", path, "autosave_interval", s.interval)
	return s, nil
}

// Path returns the transcript file's location.
func (s *Sink) Path() string { return s.path }

// Append buffers one event for the next flush. Partial events are ignored;
// only committed text belongs in the file.
func (s *Sink) Append(e Event) {
	if e.Kind != Final {
		return
	}
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", formatOffset(e.Start), text)

	s.mu.Lock()
	s.pending = append(s.pending, line)
	s.mu.Unlock()
}

// Flush writes all buffered lines to disk. On a write error it retries once;
// if the retry also fails the buffer is kept for the next attempt and the
// error is returned.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	payload := strings.Join(s.pending, "")
	if err := s.write(payload); err != nil {
		if err = s.write(payload); err != nil {
			if s.met != nil {
				s.met.SinkWriteErrors.Add(context.Background(), 1)
			}
			return fmt.Errorf("transcript: flush %q: %w", s.path, err)
		}
	}

	s.pending = s.pending[:0]
	if s.met != nil {
		s.met.SinkFlushes.Add(context.Background(), 1)
	}
	return nil
}

func (s *Sink) write(payload string) error {
	if _, err := s.file.WriteString(payload); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close flushes the remaining buffer and closes the file. Safe to call more
// than once; later calls return nil.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.finished
		err = errors.Join(s.Flush(), s.file.Close())
	})
	return err
}

func (s *Sink) run() {
	defer close(s.finished)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				slog.Warn("transcript autosave failed, keeping buffer", "error", err)
			}
		}
	}
}

func formatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}
