package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("version/commit = %q/%q", resp.Version, resp.Commit)
	}
}

type mockHealthChecker struct {
	err   error
	delay time.Duration
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_definitionsOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: func() bool { return true }})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %v, want only definitions", resp.Checks)
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: func() bool { return false }})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions error should have a message")
	}
}

func TestHandleReady_nilDefinitionsFunc(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestHandleReady_allDependenciesHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		StepStore:         &mockHealthChecker{},
		ConfigCache:       &mockHealthChecker{},
		Publisher:         &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
	}
}

func TestHandleReady_publisherDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		StepStore:         &mockHealthChecker{},
		Publisher:         &mockHealthChecker{err: errors.New("connection refused")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["publisher"].Error != "connection refused" {
		t.Errorf("publisher error = %q", resp.Checks["publisher"].Error)
	}
	if resp.Checks["step_store"].Status != "ok" {
		t.Errorf("step_store = %q, want ok", resp.Checks["step_store"].Status)
	}
}

func TestRunCheck_timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := runCheck(ctx, &mockHealthChecker{delay: time.Second})
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
}
