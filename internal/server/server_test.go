package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hardener/hardener/internal/lockmanager"
	"github.com/hardener/hardener/internal/pipeline"
	"github.com/hardener/hardener/internal/scheduler"
	"github.com/hardener/hardener/internal/sidecar"
)

type stubTool struct{ response string }

func (s *stubTool) ToolCall(ctx context.Context, prompt string, isCancelled func() bool) (string, error) {
	return s.response, nil
}

type stubRunner struct{ passed bool }

func (s *stubRunner) Run(ctx context.Context, workingDir string, isCancelled func() bool) (bool, string, error) {
	return s.passed, "", nil
}

func newTestServer(t *testing.T, passcode string) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	appDir := filepath.Join(root, "app")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatalf("mkdir app: %v", err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "widget.go"), []byte("package app\n"), 0o644); err != nil {
		t.Fatalf("write widget: %v", err)
	}

	locks := lockmanager.New(func(path string) bool {
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	})
	sched := scheduler.New(locks, scheduler.NewToolSlots(4), 10*time.Millisecond)
	store, err := sidecar.New(root, ".harden", []string{appDir}, locks)
	if err != nil {
		t.Fatalf("sidecar.New: %v", err)
	}

	p := pipeline.New(pipeline.Config{
		HardeningSidecar:   store,
		EnhanceSidecar:     store,
		Locks:              locks,
		Scheduler:          sched,
		Tool:               &stubTool{response: `{"findings":[]}`},
		TestRunner:         &stubRunner{passed: true},
		LintRunner:         &stubRunner{passed: true},
		VerifyCheck:        &stubRunner{passed: true},
		MaxFixAttempts:     2,
		MaxLintFixAttempts: 2,
	})

	srv, err := New(Config{
		Addr:            ":0",
		ProjectRoot:     root,
		Passcode:        passcode,
		AuthMaxAttempts: 2,
		AuthWindow:      time.Minute,
	}, p, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, root
}

func do(srv *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleStatus_ReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := do(srv, http.MethodGet, "/pipeline/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
}

func TestHandleAnalyze_StartsWorkflowAndReachesAwaitingDecisions(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body, _ := json.Marshal(map[string]string{"controller": "widget.go"})
	rec := do(srv, http.MethodPost, "/pipeline/analyze", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		wf := srv.pipeline.Workflow("widget.go")
		if wf != nil && wf.Status == pipeline.StatusAwaitingDecisions {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow never reached awaiting_decisions")
}

func TestHandleAnalyze_UnknownControllerReturns404(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body, _ := json.Marshal(map[string]string{"controller": "nonexistent.go"})
	rec := do(srv, http.MethodPost, "/pipeline/analyze", body, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRetry_UnknownWorkflowReturnsConflict(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body, _ := json.Marshal(map[string]string{"controller": "widget.go"})
	rec := do(srv, http.MethodPost, "/pipeline/retry", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a workflow that doesn't exist, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePrompt_RejectsInvalidPhase(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := do(srv, http.MethodGet, "/pipeline/widget.go/prompts/bogus", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an invalid phase, got %d", rec.Code)
	}
}

func TestSecurityHeaders_SetOnEveryResponse(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := do(srv, http.MethodGet, "/pipeline/status", nil, nil)
	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("expected %s=%q, got %q", header, want, got)
		}
	}
}

func TestAuthGate_BlocksAPIRequestsWithoutSession(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	rec := do(srv, http.MethodGet, "/pipeline/status", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuth_SuccessSetsSessionCookieAndRedirects(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	body, _ := json.Marshal(map[string]string{"passcode": "secret123"})
	rec := do(srv, http.MethodPost, "/auth", body, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Name != sessionCookieName || cookies[0].Value == "" {
		t.Fatalf("expected a session cookie to be set, got %+v", cookies)
	}
}

func TestAuth_SessionFixation_NewCookieDiffersFromPreAuthCookie(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	body, _ := json.Marshal(map[string]string{"passcode": "secret123"})
	rec := do(srv, http.MethodPost, "/auth", body, map[string]string{"Cookie": sessionCookieName + "=attacker-fixed-id"})
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("expected a session cookie to be set")
	}
	if cookies[0].Value == "attacker-fixed-id" {
		t.Fatalf("session id was not regenerated on login")
	}
}

func TestAuth_WrongPasscodeReturnsUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	body, _ := json.Marshal(map[string]string{"passcode": "wrong"})
	rec := do(srv, http.MethodPost, "/auth", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuth_RateLimitAfterMaxAttempts(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")
	wrong, _ := json.Marshal(map[string]string{"passcode": "wrong"})

	for i := 0; i < 2; i++ {
		rec := do(srv, http.MethodPost, "/auth", wrong, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}

	correct, _ := json.Marshal(map[string]string{"passcode": "secret123"})
	rec := do(srv, http.MethodPost, "/auth", correct, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding AuthMaxAttempts even with the correct passcode, got %d", rec.Code)
	}
}

func TestCSRFGate_RejectsStateChangingRequestWithoutHeader(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")

	loginBody, _ := json.Marshal(map[string]string{"passcode": "secret123"})
	loginRec := do(srv, http.MethodPost, "/auth", loginBody, nil)
	cookie := loginRec.Result().Cookies()[0]

	body, _ := json.Marshal(map[string]string{"controller": "widget.go"})
	rec := do(srv, http.MethodPost, "/pipeline/analyze", body, map[string]string{
		"Cookie": cookie.Name + "=" + cookie.Value,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without X-Requested-With, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCSRFGate_AllowsStateChangingRequestWithHeaderAndSession(t *testing.T) {
	srv, _ := newTestServer(t, "secret123")

	loginBody, _ := json.Marshal(map[string]string{"passcode": "secret123"})
	loginRec := do(srv, http.MethodPost, "/auth", loginBody, nil)
	cookie := loginRec.Result().Cookies()[0]

	body, _ := json.Marshal(map[string]string{"controller": "widget.go"})
	rec := do(srv, http.MethodPost, "/pipeline/analyze", body, map[string]string{
		"Cookie":           cookie.Name + "=" + cookie.Value,
		"X-Requested-With": "XMLHttpRequest",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleEvents_StreamsSSEAndStopsOnContextCancel(t *testing.T) {
	srv, _ := newTestServer(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.httpSrv.Handler.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("SSE handler did not return after context cancellation")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
}

func TestRefreshTargets_PicksUpNewlyCreatedFiles(t *testing.T) {
	srv, root := newTestServer(t, "")
	if err := os.WriteFile(filepath.Join(root, "app", "gizmo.go"), []byte("package app\n"), 0o644); err != nil {
		t.Fatalf("write gizmo: %v", err)
	}
	if err := srv.RefreshTargets(nil, nil); err != nil {
		t.Fatalf("RefreshTargets: %v", err)
	}
	if _, ok := srv.lookupTarget("gizmo.go"); !ok {
		t.Fatalf("expected gizmo.go to be discovered after refresh")
	}
}
