package transcript

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// flakyWriter fails its next failNext WriteString calls, then behaves.
type flakyWriter struct {
	buf      strings.Builder
	failNext int
	writes   int
}

func (w *flakyWriter) WriteString(s string) (int, error) {
	w.writes++
	if w.failNext > 0 {
		w.failNext--
		return 0, errors.New("disk full")
	}
	return w.buf.WriteString(s)
}

func (w *flakyWriter) Sync() error  { return nil }
func (w *flakyWriter) Close() error { return nil }

// newBufferedSink builds a sink around w without the autosave loop, so tests
// drive Flush explicitly.
func newBufferedSink(w syncWriter) *Sink {
	return &Sink{
		path:     "flaky.txt",
		file:     w,
		interval: time.Hour,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func TestFlushRetriesOnceAfterWriteError(t *testing.T) {
	t.Parallel()

	w := &flakyWriter{failNext: 1}
	s := newBufferedSink(w)
	s.Append(Event{Kind: Final, Text: "survives one hiccup"})

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush should succeed via retry, got: %v", err)
	}
	if w.writes != 2 {
		t.Errorf("writes = %d, want 2 (initial attempt plus one retry)", w.writes)
	}
	if !strings.Contains(w.buf.String(), "survives one hiccup") {
		t.Errorf("file content = %q, want the buffered line", w.buf.String())
	}

	// The buffer was drained; another flush must not rewrite anything.
	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if w.writes != 2 {
		t.Errorf("writes after empty flush = %d, want 2", w.writes)
	}
}

func TestFlushKeepsBufferWhenRetryFails(t *testing.T) {
	t.Parallel()

	w := &flakyWriter{failNext: 2}
	s := newBufferedSink(w)
	s.Append(Event{Kind: Final, Text: "kept for later"})

	if err := s.Flush(); err == nil {
		t.Fatal("Flush should fail when the retry also fails")
	}
	if w.buf.Len() != 0 {
		t.Fatalf("nothing should have reached the file, got %q", w.buf.String())
	}

	// The writer recovered; the buffered line goes out on the next flush.
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if !strings.Contains(w.buf.String(), "kept for later") {
		t.Errorf("file content = %q, want the retained line", w.buf.String())
	}
}

func TestSinkWritesFinalLinesWithOffsets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, WithAutosaveInterval(time.Hour))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Append(Event{Kind: Final, Text: "hello everyone", Start: 2 * time.Second})
	s.Append(Event{Kind: Partial, Text: "this must not appear"})
	s.Append(Event{Kind: Final, Text: "  trimmed  ", Start: 65 * time.Second})
	s.Append(Event{Kind: Final, Text: "   "})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	got := string(data)
	want := "[00:00:02] hello everyone\n[00:01:05] trimmed\n"
	if got != want {
		t.Fatalf("transcript content = %q, want %q", got, want)
	}
}

func TestSinkFileNameAndDirectoryCreation(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "transcripts")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := filepath.Base(s.Path())
	if !strings.HasPrefix(base, "transcription_") || !strings.HasSuffix(base, ".txt") {
		t.Fatalf("unexpected transcript file name %q", base)
	}
	if filepath.Dir(s.Path()) != dir {
		t.Fatalf("transcript created in %q, want %q", filepath.Dir(s.Path()), dir)
	}
}

func TestSinkAutosaveFlushesWithoutClose(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir(), WithAutosaveInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Append(Event{Kind: Final, Text: "autosaved"})

	deadline := time.After(time.Second)
	for {
		data, err := os.ReadFile(s.Path())
		if err != nil {
			t.Fatalf("read transcript: %v", err)
		}
		if strings.Contains(string(data), "autosaved") {
			return
		}
		select {
		case <-deadline:
			t.Fatal("autosave never flushed the buffered line")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSinkCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind Kind
		want string
	}{
		{Partial, "partial"},
		{Final, "final"},
		{Kind(42), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
