// Package mock provides test doubles for the recognizer package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered. Use Scripted for deterministic
// round-trip tests: it emits a programmed result after every N fed chunks.
package mock

import (
	"context"
	"sync"

	"github.com/quillaudio/quill/pkg/recognizer"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg recognizer.StreamConfig
}

// Provider is a mock implementation of recognizer.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by StartStream. If nil, StartStream
	// returns a new default Session with buffered channels.
	Session recognizer.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ recognizer.Provider = (*Provider)(nil)

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan recognizer.Transcript, 16),
		FinalsCh:   make(chan recognizer.Transcript, 16),
	}, nil
}

// Session is a mock implementation of recognizer.SessionHandle.
// Callers pre-populate PartialsCh and FinalsCh with the Transcript values
// they want the consumer to receive; Close closes both channels.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Callers own it.
	PartialsCh chan recognizer.Transcript

	// FinalsCh is the channel returned by Finals(). Callers own it.
	FinalsCh chan recognizer.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

var _ recognizer.SessionHandle = (*Session)(nil)

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan recognizer.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan recognizer.Transcript { return s.FinalsCh }

// Close increments CloseCallCount and closes both channels on first call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	if s.PartialsCh != nil {
		close(s.PartialsCh)
	}
	if s.FinalsCh != nil {
		close(s.FinalsCh)
	}
	return s.CloseErr
}

// Step is one programmed emission of a [Scripted] session.
type Step struct {
	// AfterChunks is the cumulative chunk count that triggers this step.
	AfterChunks int
	// Result is emitted on the matching channel when the trigger fires.
	Result recognizer.Transcript
}

// Scripted is a recognizer.Provider whose sessions emit programmed results
// as audio is fed, making pipeline round-trips deterministic.
type Scripted struct {
	// Script is shared by every session the provider starts.
	Script []Step

	// TailFinal, if non-empty, is emitted as a final when a session closes
	// with fed audio remaining past the last triggered step. Mirrors a real
	// engine flushing its buffer on session end.
	TailFinal string
}

var _ recognizer.Provider = (*Scripted)(nil)

// StartStream opens a scripted session.
func (s *Scripted) StartStream(ctx context.Context, _ recognizer.StreamConfig) (recognizer.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &scriptedSession{
		script:    s.Script,
		tailFinal: s.TailFinal,
		partials:  make(chan recognizer.Transcript, 16),
		finals:    make(chan recognizer.Transcript, 16),
	}, nil
}

type scriptedSession struct {
	script    []Step
	tailFinal string

	partials chan recognizer.Transcript
	finals   chan recognizer.Transcript

	mu     sync.Mutex
	fed    int
	next   int
	closed bool
}

func (s *scriptedSession) SendAudio(_ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return recognizerClosedErr
	}
	s.fed++
	for s.next < len(s.script) && s.script[s.next].AfterChunks <= s.fed {
		s.emitLocked(s.script[s.next].Result)
		s.next++
	}
	return nil
}

func (s *scriptedSession) emitLocked(t recognizer.Transcript) {
	ch := s.partials
	if t.IsFinal {
		ch = s.finals
	}
	select {
	case ch <- t:
	default:
	}
}

func (s *scriptedSession) Partials() <-chan recognizer.Transcript { return s.partials }
func (s *scriptedSession) Finals() <-chan recognizer.Transcript   { return s.finals }

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tailFinal != "" && s.fed > 0 && s.next >= len(s.script) {
		s.emitLocked(recognizer.Transcript{Text: s.tailFinal, IsFinal: true})
	}
	close(s.partials)
	close(s.finals)
	return nil
}

// recognizerClosedErr is returned by SendAudio on a closed scripted session.
var recognizerClosedErr = &sessionClosedError{}

type sessionClosedError struct{}

func (*sessionClosedError) Error() string { return "mock: session is closed" }
