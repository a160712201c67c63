// Package server exposes the pipeline's operator console over HTTP: the
// status/decision/retry/query routes of spec §6, a passcode-gated session
// layer with CSRF-header discipline and per-IP auth rate limiting (spec
// §4.7), and the SSE event stream wired through internal/sse.
//
// Grounded on kilroy's internal/server/server.go (mux construction,
// Origin-header CSRF-lite middleware, signal-driven graceful shutdown) and
// internal/server/handlers.go (writeJSON/writeError, PathValue-based Go
// 1.22+ routing). Auth/session/rate-limiting has no teacher analogue (the
// teacher assumes a trusted localhost operator) and is built fresh per spec
// §4.7, grounded on the session-ID idiom in
// ppiankov-chainwatch/internal/identity/session.go.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hardener/hardener/internal/pipeline"
	"github.com/hardener/hardener/internal/sse"
	"github.com/hardener/hardener/internal/target"
)

// VALID_PROMPT_PHASES, kept as an exported slice so main can report it and
// tests can enumerate it without duplicating the literal.
var ValidPromptPhases = []string{"analysis", "apply", "test", "lint", "verify"}

// Config holds server configuration.
type Config struct {
	Addr        string
	ProjectRoot string

	// DiscoverInclude/DiscoverExclude are the target discovery globs from
	// the pipeline config, passed through to every RefreshTargets call
	// (the initial one in New, and the watcher's rescans).
	DiscoverInclude []string
	DiscoverExclude []string

	Passcode      string // "" disables auth entirely
	CORSOrigin    string // "" permits no cross-origin requests
	SSEMaxConns   int
	AuthMaxAttempts int
	AuthWindow      time.Duration
}

func (c *Config) applyDefaults() {
	if c.SSEMaxConns <= 0 {
		c.SSEMaxConns = 64
	}
	if c.AuthMaxAttempts <= 0 {
		c.AuthMaxAttempts = 5
	}
	if c.AuthWindow <= 0 {
		c.AuthWindow = 900 * time.Second
	}
}

// Server is the HTTP operator console for a single Pipeline.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	bcast    *sse.Broadcaster

	targetsMu sync.RWMutex
	targets   map[string]target.Target

	sessions *sessionStore
	attempts *authAttemptTracker
	watcher  *targetWatcher

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New builds a Server wired to p, discovering the project's current targets
// up front (re-discoverable later via RefreshTargets).
func New(cfg Config, p *pipeline.Pipeline, logger *log.Logger) (*Server, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New(os.Stderr, "[hardener-server] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		bcast:    sse.NewBroadcaster(p.Status, cfg.ProjectRoot, cfg.SSEMaxConns),
		targets:  make(map[string]target.Target),
		sessions: newSessionStore(),
		attempts: newAuthAttemptTracker(cfg.AuthMaxAttempts, cfg.AuthWindow),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}

	if err := s.RefreshTargets(cfg.DiscoverInclude, cfg.DiscoverExclude); err != nil {
		cancel()
		return nil, err
	}
	p.Rescan(s.targetList())

	if w, err := newTargetWatcher(s); err != nil {
		// Optional convenience: a watch failure (e.g. exceeding the OS's
		// inotify instance limit on a very large tree) never blocks startup,
		// it just means targets require a manual RefreshTargets/restart.
		s.logger.Printf("target watcher disabled: %v", err)
	} else {
		s.watcher = w
		go w.run()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /auth", s.handleAuth)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /pipeline/status", s.handleStatus)
	mux.HandleFunc("POST /pipeline/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /pipeline/load-analysis", s.handleLoadAnalysis)
	mux.HandleFunc("POST /pipeline/reset", s.handleReset)
	mux.HandleFunc("POST /decisions", s.handleDecisions)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("POST /explain/{finding_id}", s.handleExplain)
	mux.HandleFunc("POST /pipeline/retry", s.handleRetry)
	mux.HandleFunc("POST /pipeline/retry-tests", s.handleRetryTests)
	mux.HandleFunc("POST /pipeline/retry-ci", s.handleRetryCI)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /pipeline/{name}/prompts/{phase}", s.handlePrompt)
	mux.HandleFunc("POST /shutdown", s.handleShutdownRoute)

	handler := s.securityHeaders(s.authGate(s.csrfGate(mux)))

	s.httpSrv = &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s, nil
}

// RefreshTargets re-walks the project and replaces the server's target
// index. include/exclude fall back to the defaults ("**/*" / none) when nil.
func (s *Server) RefreshTargets(include, exclude []string) error {
	targets, err := target.DiscoverTargets(s.cfg.ProjectRoot, include, exclude)
	if err != nil {
		return err
	}
	byName := make(map[string]target.Target, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}
	s.targetsMu.Lock()
	s.targets = byName
	s.targetsMu.Unlock()
	return nil
}

func (s *Server) targetList() []target.Target {
	s.targetsMu.RLock()
	defer s.targetsMu.RUnlock()
	out := make([]target.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	return out
}

func (s *Server) lookupTarget(name string) (target.Target, bool) {
	s.targetsMu.RLock()
	defer s.targetsMu.RUnlock()
	t, ok := s.targets[name]
	return t, ok
}

// ListenAndServe starts the server and blocks until shutdown, triggered
// either by SIGINT/SIGTERM or by POST /shutdown.
func (s *Server) ListenAndServe() error {
	s.watchSignals()
	s.logger.Printf("listening on %s", s.cfg.Addr)
	s.httpSrv.Addr = s.cfg.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve runs the server on a caller-supplied listener (letting main pick the
// bind address itself, e.g. to retry on a port conflict) and blocks until
// shutdown, triggered either by SIGINT/SIGTERM or by POST /shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.watchSignals()
	s.logger.Printf("listening on %s", l.Addr())
	err := s.httpSrv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) watchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down", sig)
		s.Shutdown()
	}()
}

// Shutdown performs spec §4.7's graceful shutdown: cancellation and grant
// release (both inside Pipeline.Reset), then a bounded HTTP drain. Reset
// stops the scheduler only to drain its queue and then starts the dispatch
// loop again, so the loop is still running, on an empty queue, when
// Shutdown returns.
func (s *Server) Shutdown() {
	if s.watcher != nil {
		s.watcher.stop()
	}
	s.bcast.Close()
	s.pipeline.Reset()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

func (s *Server) handleShutdownRoute(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	go s.Shutdown()
}
