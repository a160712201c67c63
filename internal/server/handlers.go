package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hardener/hardener/internal/pipeline"
	"github.com/hardener/hardener/internal/sse"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeGuardOrError maps a pipeline error to its HTTP status: GuardFailure
// is a 409 (no state mutated), anything else is a 400.
func (s *Server) writeGuardOrError(w http.ResponseWriter, err error) {
	if _, ok := err.(*pipeline.GuardFailure); ok {
		writeError(w, http.StatusConflict, pipeline.SanitizePath(err.Error(), s.cfg.ProjectRoot))
		return
	}
	writeError(w, http.StatusBadRequest, pipeline.SanitizePath(err.Error(), s.cfg.ProjectRoot))
}

// --- Auth ---

type authRequest struct {
	Passcode string `json:"passcode"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.attempts.blocked(ip) {
		writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Passcode == "" {
		s.attempts.recordFailure(ip)
		writeError(w, http.StatusBadRequest, "passcode is required")
		return
	}

	if !checkPasscode(s.cfg.Passcode, req.Passcode) {
		s.attempts.recordFailure(ip)
		writeError(w, http.StatusUnauthorized, "invalid passcode")
		return
	}
	s.attempts.recordSuccess(ip)

	// Session-fixation defense: always mint a brand new session identifier
	// on a successful login rather than reusing any pre-auth cookie value.
	if old, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.invalidate(old.Value)
	}
	id := s.sessions.create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.invalidate(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleIndex serves the operator console shell when authenticated (or when
// auth is disabled), and a minimal login page otherwise. The SPA markup
// itself is out of scope (spec §1); this emits the smallest page that can
// POST a passcode to /auth.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	authed := s.cfg.Passcode == ""
	if !authed {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			authed = s.sessions.valid(cookie.Value)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if authed {
		fmt.Fprint(w, "<!doctype html><title>hardener</title><div id=\"app\"></div>")
		return
	}
	fmt.Fprint(w, `<!doctype html><title>hardener login</title>
<form id="f"><input type="password" name="passcode" placeholder="passcode"><button>login</button></form>
<script>
document.getElementById('f').onsubmit = async (e) => {
  e.preventDefault();
  const passcode = e.target.passcode.value;
  const res = await fetch('/auth', {method:'POST', headers:{'Content-Type':'application/json'}, body: JSON.stringify({passcode})});
  if (res.redirected) location.href = res.url;
};
</script>`)
}

// --- Pipeline status / lifecycle ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

type controllerRequest struct {
	Controller string `json:"controller"`
	Mode       string `json:"mode,omitempty"`
}

func (s *Server) resolveMode(raw string) pipeline.Mode {
	if raw == string(pipeline.ModeEnhancing) {
		return pipeline.ModeEnhancing
	}
	return pipeline.ModeHardening
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req controllerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Controller == "" {
		writeError(w, http.StatusBadRequest, "controller is required")
		return
	}
	t, ok := s.lookupTarget(req.Controller)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown controller %q", req.Controller))
		return
	}
	mode := s.resolveMode(req.Mode)

	wf, err := s.pipeline.TryTransition(t.Name, t.Path, t.FullPath, mode, pipeline.NotActive(), pipeline.AnalyzingStatus(mode))
	if err != nil {
		s.writeGuardOrError(w, err)
		return
	}

	s.pipeline.LaunchAnalysis(s.baseCtx, t.Name)
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleLoadAnalysis(w http.ResponseWriter, r *http.Request) {
	var req controllerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Controller == "" {
		writeError(w, http.StatusBadRequest, "controller is required")
		return
	}
	t, ok := s.lookupTarget(req.Controller)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown controller %q", req.Controller))
		return
	}
	mode := s.resolveMode(req.Mode)

	wf, err := s.pipeline.LoadAnalysis(t, mode)
	if err != nil {
		s.writeGuardOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// --- Decisions, queries, retries ---

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Controller    string   `json:"controller"`
		Action        string   `json:"action"`
		Notes         string   `json:"notes,omitempty"`
		SelectedItems []string `json:"selected_items,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Controller == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "controller and action are required")
		return
	}

	d := pipeline.Decision{
		Action:        pipeline.DecisionAction(req.Action),
		Notes:         req.Notes,
		SelectedItems: req.SelectedItems,
	}
	if err := s.pipeline.SubmitDecision(s.baseCtx, req.Controller, d); err != nil {
		s.writeGuardOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Controller string `json:"controller"`
		Question   string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Controller == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "controller and question are required")
		return
	}
	id := s.pipeline.Ask(s.baseCtx, req.Controller, req.Question)
	writeJSON(w, http.StatusAccepted, map[string]string{"query_id": id})
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	findingID := r.PathValue("finding_id")
	var req controllerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Controller == "" {
		writeError(w, http.StatusBadRequest, "controller is required")
		return
	}
	id := s.pipeline.Explain(s.baseCtx, req.Controller, findingID)
	writeJSON(w, http.StatusAccepted, map[string]string{"query_id": id})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.retry(w, r)
}

func (s *Server) handleRetryTests(w http.ResponseWriter, r *http.Request) {
	s.retry(w, r)
}

func (s *Server) handleRetryCI(w http.ResponseWriter, r *http.Request) {
	s.retry(w, r)
}

// retry backs all three /pipeline/retry* routes: RetryPhase already
// dispatches on the workflow's current status (error / tests_failed /
// lint_failed) rather than on which route was hit, so the three routes are
// aliases of the same guarded operation, matching spec §7's retry design
// ("three failure terminal states are user-retryable").
func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	var req controllerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Controller == "" {
		writeError(w, http.StatusBadRequest, "controller is required")
		return
	}
	if err := s.pipeline.RetryPhase(s.baseCtx, req.Controller); err != nil {
		s.writeGuardOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

// --- SSE / prompts ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sse.WriteSSE(w, r, s.bcast)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	phase := r.PathValue("phase")
	if !validPromptPhase(phase) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown phase %q", phase))
		return
	}
	prompt, ok := s.pipeline.Prompt(name, phase)
	if !ok {
		writeError(w, http.StatusNotFound, "no stored prompt for this workflow/phase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

func validPromptPhase(phase string) bool {
	for _, p := range ValidPromptPhases {
		if p == phase {
			return true
		}
	}
	return false
}

