// Package wsbridge implements recognizer.Provider against an external
// streaming transcription server over WebSocket.
//
// Protocol: the client opens one socket per session, sends a JSON text
// message describing the stream, then sends raw PCM as binary messages. The
// server answers with JSON text events:
//
//	{"type":"partial","text":"..."}
//	{"type":"final","text":"...","start_ms":1200,"end_ms":3480}
//	{"type":"error","message":"..."}
//
// The session closes the socket with a normal-closure status after an
// end-of-stream message, giving the server a chance to flush a tail final.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quillaudio/quill/pkg/recognizer"
)

// Provider implements recognizer.Provider by dialing a transcription server
// for each session.
type Provider struct {
	url    string
	apiKey string
	model  string
}

var _ recognizer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey sets the Bearer token sent on the dial request.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithModel sets the server-side model requested in the start message.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// New creates a Provider dialing the given WebSocket URL (ws:// or wss://).
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("wsbridge: url must not be empty")
	}
	p := &Provider{url: url}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startMessage is the first text message of every session.
type startMessage struct {
	Type       string `json:"type"` // "start"
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
}

// stopMessage signals end of audio so the server can flush its buffer.
type stopMessage struct {
	Type string `json:"type"` // "stop"
}

// serverEvent is the union of all server-to-client messages.
type serverEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	StartMs int64  `json:"start_ms,omitempty"`
	EndMs   int64  `json:"end_ms,omitempty"`
	Message string `json:"message,omitempty"`
}

// StartStream dials the server and opens a new recognition session.
func (p *Provider) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.SessionHandle, error) {
	var hdr http.Header
	if p.apiKey != "" {
		hdr = http.Header{"Authorization": []string{"Bearer " + p.apiKey}}
	}

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", p.url, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		ctx:      sessCtx,
		cancel:   cancel,
		partials: make(chan recognizer.Transcript, 64),
		finals:   make(chan recognizer.Transcript, 64),
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	start := startMessage{
		Type:       "start",
		SampleRate: sr,
		Channels:   ch,
		Language:   cfg.Language,
		Model:      p.model,
	}
	if err := s.writeJSON(start); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "start failed")
		return nil, fmt.Errorf("wsbridge: start message: %w", err)
	}

	s.wg.Add(1)
	go s.receiveLoop()
	return s, nil
}

// session is one live WebSocket recognition session.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	partials chan recognizer.Transcript
	finals   chan recognizer.Transcript

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ recognizer.SessionHandle = (*session)(nil)

// SendAudio writes one PCM chunk as a binary message.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.ctx.Err(); err != nil {
		return errors.New("wsbridge: session is closed")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("wsbridge: write audio: %w", err)
	}
	return nil
}

func (s *session) Partials() <-chan recognizer.Transcript { return s.partials }
func (s *session) Finals() <-chan recognizer.Transcript   { return s.finals }

// Close sends the stop message, waits briefly for the server's tail final,
// and tears the socket down. Safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		// Best-effort end-of-stream so the server flushes buffered speech.
		if err := s.writeJSON(stopMessage{Type: "stop"}); err == nil {
			// receiveLoop exits when the server closes or the drain
			// deadline passes.
			timer := time.AfterFunc(2*time.Second, s.cancel)
			s.wg.Wait()
			timer.Stop()
		}
		s.cancel()
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return s.closeErr
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsbridge: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads server events for the life of the session. It owns the
// transcript channels and closes them on exit.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn("wsbridge: read error", "error", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "partial":
			if evt.Text == "" {
				continue
			}
			select {
			case s.partials <- recognizer.Transcript{Text: evt.Text}:
			default: // partials are ephemeral; drop when the consumer lags
			}

		case "final":
			if evt.Text == "" {
				continue
			}
			t := recognizer.Transcript{
				Text:    evt.Text,
				IsFinal: true,
				Start:   time.Duration(evt.StartMs) * time.Millisecond,
				End:     time.Duration(evt.EndMs) * time.Millisecond,
			}
			select {
			case s.finals <- t:
			case <-s.ctx.Done():
				return
			}

		case "stopped":
			// Server acknowledged end of stream; nothing more will arrive.
			return

		case "error":
			slog.Warn("wsbridge: server error", "message", evt.Message)
		}
	}
}
