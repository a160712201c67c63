// Command hardener starts the operator-driven orchestration server: it
// loads the pipeline config, wires the lock manager, scheduler, sidecar
// stores, and tool client, runs the config's one-shot setup commands, then
// serves the HTTP operator console until a signal or POST /shutdown.
//
// Grounded on cmd/kilroy/main.go (signalCancelContext, subcommand dispatch,
// usage()) and cmd/kilroy/attractor_serve.go (the bare serve entrypoint this
// command replaces outright, since this repo has exactly one thing to run).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hardener/hardener/internal/checkrunner"
	"github.com/hardener/hardener/internal/config"
	"github.com/hardener/hardener/internal/lockmanager"
	"github.com/hardener/hardener/internal/pipeline"
	"github.com/hardener/hardener/internal/scheduler"
	"github.com/hardener/hardener/internal/server"
	"github.com/hardener/hardener/internal/sidecar"
	"github.com/hardener/hardener/internal/supervisor"
	"github.com/hardener/hardener/internal/toolclient"
)

const (
	defaultPort       = 4567
	maxPortRetriesDef = 10
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v" || os.Args[1] == "version") {
		fmt.Println("hardener (dev)")
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hardener:", err)
		os.Exit(1)
	}
}

func run() error {
	projectRoot := envOr("PROJECT_ROOT", ".")
	configPath := envOr("CONFIG_PATH", "hardener.yaml")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	locks := lockmanager.New(isDir).WithTTL(time.Duration(cfg.LockTTLSeconds) * time.Second)
	locks.StartReaper()
	defer locks.StopReaper()

	sched := scheduler.New(locks, scheduler.NewToolSlots(cfg.Concurrency.ToolSlots), 200*time.Millisecond)

	hardeningStore, err := sidecar.New(projectRoot, cfg.Sidecar.HardeningDir, cfg.AllowedWriteDirs, locks)
	if err != nil {
		return fmt.Errorf("open hardening sidecar store: %w", err)
	}
	enhanceStore, err := sidecar.New(projectRoot, cfg.Sidecar.EnhanceDir, cfg.AllowedWriteDirs, locks)
	if err != nil {
		return fmt.Errorf("open enhance sidecar store: %w", err)
	}
	hardeningStore.TestPaths = &sidecar.MirrorResolver{Mirrors: cfg.TestMirrors}
	enhanceStore.TestPaths = &sidecar.MirrorResolver{Mirrors: cfg.TestMirrors}

	tool, err := buildToolCaller(cfg, projectRoot)
	if err != nil {
		return fmt.Errorf("build tool client: %w", err)
	}

	if err := runSetupCommands(cfg.Setup, projectRoot); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	p := pipeline.New(pipeline.Config{
		MaxFixAttempts:     cfg.Limits.MaxFixAttempts,
		MaxLintFixAttempts: cfg.Limits.MaxLintFixAttempts,
		ErrorsCap:          cfg.Limits.ErrorsCap,
		QueriesCap:         cfg.Limits.QueriesCap,
		HardeningSidecar:   hardeningStore,
		EnhanceSidecar:     enhanceStore,
		Locks:              locks,
		Scheduler:          sched,
		Tool:               tool,
		TestRunner:         checkrunner.New(cfg.TestRunner),
		LintRunner:         checkrunner.New(cfg.LintRunner),
		VerifyCheck:        verifyRunner(cfg.Verify),
	})

	passcode := envOr("PASSCODE", "")
	addr := envOr("ADDR", "127.0.0.1")
	loopback := isLoopback(addr)
	if passcode == "" && !loopback {
		passcode, err = randomHex(16)
		if err != nil {
			return fmt.Errorf("generate passcode: %w", err)
		}
		fmt.Fprintf(os.Stderr, "hardener: no PASSCODE set while binding a non-loopback address; generated one for this run: %s\n", passcode)
	}

	srv, err := server.New(server.Config{
		ProjectRoot:     projectRoot,
		Passcode:        passcode,
		CORSOrigin:      envOr("CORS_ORIGIN", ""),
		DiscoverInclude: cfg.Discovery.Include,
		DiscoverExclude: cfg.Discovery.Exclude,
	}, p, nil)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	listener, err := listenWithPortFallback(addr, envIntOr("PORT", defaultPort), envIntOr("MAX_PORT_RETRIES", maxPortRetriesDef))
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}

	return srv.Serve(listener)
}

// listenWithPortFallback tries port, then port+1 ... port+maxRetries, and
// finally an OS-assigned port (":0") if every fixed attempt is refused —
// the PORT/MAX_PORT_RETRIES contract.
func listenWithPortFallback(addr string, port, maxRetries int) (net.Listener, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port+i)))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	l, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	if err != nil {
		return nil, fmt.Errorf("all fixed ports refused (last: %w), os-assigned fallback also failed: %w", lastErr, err)
	}
	return l, nil
}

func buildToolCaller(cfg *config.File, projectRoot string) (pipeline.ToolCaller, error) {
	if apiKey := envOr("API_KEY", ""); apiKey != "" {
		baseURL := envOr("API_BASE_URL", "https://api.anthropic.com")
		model := envOr("API_MODEL", "claude-sonnet-4-5")
		maxTokens := envIntOr("API_MAX_TOKENS", 8192)
		return &apiToolCaller{client: toolclient.NewAPIClient(baseURL, apiKey, model, maxTokens, cfg.Concurrency.APISlots)}, nil
	}
	return toolclient.NewCLIClient(cfg.Tool.Command, cfg.Tool.Args, projectRoot, cfg.Tool.Timeout(300000), cfg.Concurrency.ToolSlots), nil
}

// apiToolCaller adapts toolclient.APIClient's APICall to the ToolCall shape
// pipeline.ToolCaller expects, matching CLIClient's method name.
type apiToolCaller struct {
	client *toolclient.APIClient
}

func (a *apiToolCaller) ToolCall(ctx context.Context, prompt string, isCancelled func() bool) (string, error) {
	return a.client.APICall(ctx, prompt, isCancelled)
}

// runSetupCommands runs each configured setup command once, in order,
// aborting on the first failure. A failure here aborts startup entirely:
// the pipeline never reaches a workflow that assumes setup succeeded.
func runSetupCommands(cmds []config.SetupCommand, projectRoot string) error {
	if len(cmds) == 0 {
		return nil
	}
	sup := supervisor.New()
	for _, sc := range cmds {
		timeout := time.Duration(sc.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		out, ok, err := sup.Run(context.Background(), sc.Command, sc.Args, timeout, projectRoot, nil)
		if err != nil {
			return fmt.Errorf("setup command %q: %w", sc.Command, err)
		}
		if !ok {
			return fmt.Errorf("setup command %q exited non-zero:\n%s", sc.Command, out)
		}
	}
	return nil
}

// verifyRunner returns a Runner for cfg, or an always-pass CommandRunner
// when verify is left unconfigured (it is the only optional command in the
// config's schema).
func verifyRunner(spec config.CommandSpec) pipeline.CommandRunner {
	if spec.Command == "" {
		return noopVerify{}
	}
	return checkrunner.New(spec)
}

type noopVerify struct{}

func (noopVerify) Run(ctx context.Context, workingDir string, isCancelled func() bool) (bool, string, error) {
	return true, "no verify command configured", nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isLoopback(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
