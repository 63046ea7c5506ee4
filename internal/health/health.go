// Package health serves the liveness and readiness probes.
//
// Liveness (/healthz) only states that the process serves HTTP. Readiness
// (/readyz) runs the registered [Checker] probes and classifies each into
// one of three tiers:
//
//   - ok       — the dependency works.
//   - degraded — the service is usable but impaired, reported with HTTP 200
//     so orchestrators do not pull a node that can still serve its API. A
//     check lands here by returning a [DegradedError].
//   - fail     — the dependency is broken; /readyz answers 503.
//
// The capture probe lives here too: Quill's readiness is defined by whether
// audio input can be enumerated, so the classification of enumeration
// faults belongs next to the tiers it feeds.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/quillaudio/quill/pkg/audio/capture"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Status is the tier of one check, or of the whole probe.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// rank orders tiers by severity for aggregation.
func (s Status) rank() int {
	switch s {
	case StatusFail:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// DegradedError reports a condition that leaves the service usable but
// impaired. Checks return it (or wrap it) to land in the degraded tier
// instead of failing readiness outright.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

// Checker is one named readiness probe. Check must respect context
// cancellation; a nil return is healthy, a [DegradedError] is degraded and
// anything else fails readiness.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CaptureCheck probes input device enumeration on the given catalog. An
// enumeration fault fails readiness. An empty device list is degraded, not
// failed: the API is fully up, there is just nothing to record from yet.
func CaptureCheck(cat capture.Catalog) Checker {
	return Checker{
		Name: "capture",
		Check: func(ctx context.Context) error {
			devs, err := cat.ListInputDevices(ctx)
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				return &DegradedError{Reason: "no input devices available"}
			}
			return nil
		},
	}
}

// classify maps a check error onto its tier.
func classify(err error) Status {
	if err == nil {
		return StatusOK
	}
	var de *DegradedError
	if errors.As(err, &de) {
		return StatusDegraded
	}
	return StatusFail
}

// checkResult is one named entry in the readiness response.
type checkResult struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// probeResult is the JSON body of both probe endpoints.
type probeResult struct {
	Status Status                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: StatusOK})
}

// Readyz evaluates every checker under a [checkTimeout] deadline and
// aggregates the worst tier: any failure answers 503, an all-ok or merely
// degraded set answers 200 with the tier in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkResult, len(h.checkers))
	overall := StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		cr := checkResult{Status: classify(err)}
		if err != nil {
			cr.Detail = err.Error()
		}
		checks[c.Name] = cr
		if cr.Status.rank() > overall.rank() {
			overall = cr.Status
		}
	}

	code := http.StatusOK
	if overall == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, probeResult{Status: overall, Checks: checks})
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
