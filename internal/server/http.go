// Package server exposes the HTTP control API for Quill.
//
// The API drives the recording lifecycle and adjusts sources at runtime:
//
//	POST  /v1/session/start
//	POST  /v1/session/pause
//	POST  /v1/session/resume
//	POST  /v1/session/stop
//	GET   /v1/session
//	GET   /v1/devices
//	PATCH /v1/sources/{device}
//
// plus /healthz, /readyz, and Prometheus /metrics. Lifecycle calls in the
// wrong state return 409 Conflict with the transition error, matching the
// controller's policy of rejecting rather than coercing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillaudio/quill/internal/health"
	"github.com/quillaudio/quill/internal/session"
	"github.com/quillaudio/quill/pkg/audio/capture"
)

const shutdownTimeout = 5 * time.Second

// Server is the Quill control API server.
type Server struct {
	ctrl     *session.Controller
	platform capture.Platform
	srv      *http.Server
}

// Config holds the dependencies for a [Server].
type Config struct {
	ListenAddr string
	Controller *session.Controller
	Platform   capture.Platform

	// Checkers are additional readiness checks beyond the built-in capture
	// enumeration check.
	Checkers []health.Checker
}

// New builds the server and its routes. Call [Server.ListenAndServe] to start.
func New(cfg Config) *Server {
	s := &Server{
		ctrl:     cfg.Controller,
		platform: cfg.Platform,
	}

	checkers := append([]health.Checker{health.CaptureCheck(cfg.Platform)}, cfg.Checkers...)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/pause", s.handlePause)
	mux.HandleFunc("POST /v1/session/resume", s.handleResume)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("GET /v1/session", s.handleStatus)
	mux.HandleFunc("GET /v1/devices", s.handleDevices)
	mux.HandleFunc("PATCH /v1/sources/{device}", s.handlePatchSource)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks serving the API until the listener fails or
// [Server.Shutdown] is called, in which case it returns nil.
func (s *Server) ListenAndServe() error {
	slog.Info("control API listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// sessionResponse is the JSON shape for session state replies.
type sessionResponse struct {
	State          string   `json:"state"`
	StartedAt      string   `json:"started_at,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	TranscriptPath string   `json:"transcript_path,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// sourcePatch is the JSON body for PATCH /v1/sources/{device}. Absent fields
// are left unchanged.
type sourcePatch struct {
	Gain    *float64 `json:"gain"`
	Enabled *bool    `json:"enabled"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		writeTransitionError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(); err != nil {
		writeTransitionError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(); err != nil {
		writeTransitionError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		writeTransitionError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.platform.ListInputDevices(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handlePatchSource(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")

	var patch sourcePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if patch.Gain == nil && patch.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "nothing to change: provide gain and/or enabled"})
		return
	}
	if patch.Gain != nil && (*patch.Gain < 0 || *patch.Gain > 2) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("gain %.2f is out of range [0, 2]", *patch.Gain)})
		return
	}

	if patch.Gain != nil {
		s.ctrl.SetGain(device, *patch.Gain)
	}
	if patch.Enabled != nil {
		if err := s.ctrl.SetEnabled(r.Context(), device, *patch.Enabled); err != nil {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) writeSession(w http.ResponseWriter, status int) {
	info := s.ctrl.Info()
	resp := sessionResponse{
		State:          info.State.String(),
		Sources:        info.Sources,
		TranscriptPath: info.TranscriptPath,
	}
	if !info.StartedAt.IsZero() {
		resp.StartedAt = info.StartedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, status, resp)
}

func writeTransitionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoSources):
		status = http.StatusFailedDependency
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
