package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quillaudio/quill/internal/config"
	"github.com/quillaudio/quill/internal/session"
	"github.com/quillaudio/quill/pkg/audio/capture"
	"github.com/quillaudio/quill/pkg/audio/capture/synth"
	"github.com/quillaudio/quill/pkg/recognizer/mock"
)

func newTestServer(t *testing.T) (*Server, *synth.Platform) {
	t.Helper()
	platform := synth.New([]synth.DeviceSpec{
		{Device: capture.Device{ID: "synth-a", Name: "Synth A", SampleRate: 16000, Channels: 1, Default: true}},
	}, synth.WithChunkDuration(10*time.Millisecond))

	ctrl := session.NewController(session.ControllerConfig{
		Platform: platform,
		Provider: &mock.Provider{},
		Config: &config.Config{
			Recognizer: config.RecognizerConfig{Name: "mock"},
			Sources:    []config.SourceConfig{{Device: "synth-a"}},
			Transcript: config.TranscriptConfig{Dir: t.TempDir(), AutosaveInterval: time.Hour},
		},
	})
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })

	return New(Config{ListenAddr: ":0", Controller: ctrl, Platform: platform}), platform
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var resp sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/session", "")
	if got := decodeSession(t, rec).State; got != "idle" {
		t.Fatalf("initial state = %q, want idle", got)
	}

	rec = do(t, h, http.MethodPost, "/v1/session/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeSession(t, rec)
	if resp.State != "recording" || len(resp.Sources) != 1 {
		t.Fatalf("unexpected start response %+v", resp)
	}
	if resp.TranscriptPath == "" || resp.StartedAt == "" {
		t.Fatalf("start response missing metadata: %+v", resp)
	}

	rec = do(t, h, http.MethodPost, "/v1/session/pause", "")
	if got := decodeSession(t, rec).State; got != "paused" {
		t.Fatalf("state after pause = %q", got)
	}
	rec = do(t, h, http.MethodPost, "/v1/session/resume", "")
	if got := decodeSession(t, rec).State; got != "recording" {
		t.Fatalf("state after resume = %q", got)
	}
	rec = do(t, h, http.MethodPost, "/v1/session/stop", "")
	if got := decodeSession(t, rec).State; got != "idle" {
		t.Fatalf("state after stop = %q", got)
	}
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/session/pause", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("pause while idle status = %d, want 409", rec.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if !strings.Contains(resp.Error, "invalid transition") {
		t.Fatalf("error = %q, want transition message", resp.Error)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	t.Parallel()
	s, platform := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("devices status = %d", rec.Code)
	}
	var devices []capture.Device
	if err := json.NewDecoder(rec.Body).Decode(&devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "synth-a" {
		t.Fatalf("unexpected devices %+v", devices)
	}

	platform.SetEnumerationBroken(true)
	rec = do(t, h, http.MethodGet, "/v1/devices", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("broken enumeration status = %d, want 503", rec.Code)
	}
}

func TestPatchSourceValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Handler()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty patch", `{}`, http.StatusBadRequest},
		{"malformed json", `{gain:`, http.StatusBadRequest},
		{"gain negative", `{"gain": -1}`, http.StatusBadRequest},
		{"gain above maximum", `{"gain": 2.5}`, http.StatusBadRequest},
		{"valid gain", `{"gain": 2.0}`, http.StatusOK},
		{"mute", `{"gain": 0}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPatch, "/v1/sources/synth-a", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestPatchSourceTogglesMidRecording(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, http.MethodPost, "/v1/session/start", "")

	rec := do(t, h, http.MethodPatch, "/v1/sources/synth-a", `{"enabled": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decodeSession(t, rec).Sources; len(got) != 0 {
		t.Fatalf("sources after disable = %v, want none", got)
	}

	rec = do(t, h, http.MethodPatch, "/v1/sources/synth-a", `{"enabled": true}`)
	if got := decodeSession(t, rec).Sources; len(got) != 1 {
		t.Fatalf("sources after enable = %v, want one", got)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	s, platform := newTestServer(t)
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}

	platform.SetEnumerationBroken(true)
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with broken capture = %d, want 503", rec.Code)
	}
}
