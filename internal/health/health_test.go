package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quillaudio/quill/pkg/audio/capture"
)

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "capture", Check: func(context.Context) error {
		return errors.New("audio subsystem unreachable")
	}})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body probeResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusOK {
		t.Errorf("status = %q, want %q", body.Status, StatusOK)
	}
}

func TestReadyzTiers(t *testing.T) {
	t.Parallel()

	healthy := func(context.Context) error { return nil }
	impaired := func(context.Context) error { return &DegradedError{Reason: "no input devices"} }
	broken := func(context.Context) error { return errors.New("audio subsystem unreachable") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus Status
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "capture", Check: healthy},
				{Name: "recognizer", Check: healthy},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "degraded keeps 200",
			checkers: []Checker{
				{Name: "capture", Check: impaired},
				{Name: "recognizer", Check: healthy},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name: "failure outranks degraded",
			checkers: []Checker{
				{Name: "capture", Check: impaired},
				{Name: "recognizer", Check: broken},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := New(tt.checkers...)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body probeResult
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode JSON: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.checkers) {
				t.Errorf("checks = %d entries, want %d", len(body.Checks), len(tt.checkers))
			}
		})
	}
}

func TestReadyzReportsFailureDetail(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "capture", Check: func(context.Context) error {
		return errors.New("enumeration failed")
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	var body probeResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	got := body.Checks["capture"]
	if got.Status != StatusFail || !strings.Contains(got.Detail, "enumeration failed") {
		t.Errorf("capture check = %+v, want failure with detail", got)
	}
}

func TestClassifyUnwrapsDegraded(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusOK},
		{"plain error", errors.New("boom"), StatusFail},
		{"degraded", &DegradedError{Reason: "impaired"}, StatusDegraded},
		{"wrapped degraded", fmt.Errorf("catalog: %w", &DegradedError{Reason: "impaired"}), StatusDegraded},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%s) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

// stubCatalog answers enumeration from canned values.
type stubCatalog struct {
	devices []capture.Device
	err     error
}

func (c *stubCatalog) ListInputDevices(context.Context) ([]capture.Device, error) {
	return c.devices, c.err
}

func (c *stubCatalog) DefaultDevice(context.Context) (capture.Device, bool, error) {
	return capture.Device{}, false, nil
}

func TestCaptureCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cat  *stubCatalog
		want Status
	}{
		{"devices present", &stubCatalog{devices: []capture.Device{{ID: "mic"}}}, StatusOK},
		{"no devices is degraded", &stubCatalog{}, StatusDegraded},
		{"enumeration fault fails", &stubCatalog{err: fmt.Errorf("probe: %w", capture.ErrEnumeration)}, StatusFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := CaptureCheck(tc.cat)
			if c.Name != "capture" {
				t.Errorf("check name = %q, want %q", c.Name, "capture")
			}
			if got := classify(c.Check(context.Background())); got != tc.want {
				t.Errorf("tier = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCheckerReceivesDeadline(t *testing.T) {
	t.Parallel()

	var hadDeadline bool
	h := New(Checker{Name: "recognizer", Check: func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if !hadDeadline {
		t.Error("checker context had no deadline")
	}
}

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
