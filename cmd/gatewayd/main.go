// Command gatewayd runs the Agent Gateway control kernel: the orchestrator,
// policy/approval gate, event bus and websocket control plane, fronted by
// whichever channel adapters are enabled in config.yaml.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentgw/internal/approval"
	"github.com/basket/agentgw/internal/audit"
	"github.com/basket/agentgw/internal/bus"
	"github.com/basket/agentgw/internal/channels"
	"github.com/basket/agentgw/internal/config"
	"github.com/basket/agentgw/internal/cron"
	"github.com/basket/agentgw/internal/doctor"
	"github.com/basket/agentgw/internal/gateway"
	"github.com/basket/agentgw/internal/llm"
	otelPkg "github.com/basket/agentgw/internal/otel"
	"github.com/basket/agentgw/internal/persistence"
	"github.com/basket/agentgw/internal/policy"
	"github.com/basket/agentgw/internal/ratelimit"
	"github.com/basket/agentgw/internal/sandbox/wasm"
	"github.com/basket/agentgw/internal/telemetry"
	"github.com/basket/agentgw/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the gateway daemon
  %s doctor [-json]  Run diagnostic checks against the live config/db and exit
  %s -h               Show this help

ENVIRONMENT VARIABLES:
  GATEWAY_HOME            Data/config home directory (default: ~/.agentgw)
  GATEWAY_HOST            Listen host (default 127.0.0.1)
  GATEWAY_PORT            Listen port (default 8787)
  GATEWAY_API_KEYS        Comma-separated bootstrap API keys
  ANTHROPIC_API_KEY       LLM provider credential

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr()); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.CORS.AllowedOrigins) == 0 {
			logger.Warn("cors allowed_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr())
		}
	}

	// Tracing/metrics export is a peripheral collaborator concern (spec §1);
	// Init still runs so Core always has a valid no-op Tracer/Meter to pass
	// through to the orchestrator.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     false,
		ServiceName: "agentgw",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	dbPath := filepath.Join(cfg.DataDir, "agentgw.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", dbPath)

	policyPath := config.PolicyPath(cfg.HomeDir)
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		seed := policy.Default()
		if len(cfg.ChannelAllowlist) > 0 {
			seed.ChannelAllowlist = cfg.ChannelAllowlist
		}
		if len(cfg.ToolAllowlist) > 0 {
			seed.ToolAllowlist = cfg.ToolAllowlist
		}
		seed.RequireApprovalForWrite = cfg.RequireApprovalForWrite
		out, marshalErr := yaml.Marshal(&seed)
		if marshalErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", marshalErr)
		}
		if err := os.WriteFile(policyPath, out, 0o644); err != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", err)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", livePolicy.PolicyVersion())

	eventBus := bus.New()
	toolRegistry := tools.NewRegistry()
	approvalBroker := approval.New(eventBus)
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, logger)

	registerBuiltinTools(ctx, toolRegistry, cfg, logger)

	brain := buildBrain(cfg, logger)
	if guarded, ok := brain.(*llm.GuardedBrain); ok {
		guarded.Breaker.SetKVStore(store)
		if err := guarded.Breaker.LoadState(ctx, store); err != nil {
			logger.Warn("circuit breaker state restore failed", "error", err)
		}
	}
	auth := gateway.NewAuthMiddleware(cfg.Auth)

	core := gateway.NewCore(store, eventBus, livePolicy, toolRegistry, approvalBroker, limiter, brain, auth, cfg, logger, Version)
	core.Tracer = otelProvider.Tracer
	if metrics, metricsErr := otelPkg.NewMetrics(otelProvider.Meter); metricsErr != nil {
		logger.Warn("metrics instrument init failed; running without them", "error", metricsErr)
	} else {
		core.Metrics = metrics
	}
	logger.Info("startup phase", "phase", "core_wired", "tools_registered", len(toolRegistry.List()))

	scheduler := cron.NewScheduler(cron.Config{
		Store:                 store,
		Limiter:               limiter,
		Logger:                logger,
		EventRetentionDays:    cfg.Retention.EventsDays,
		MessageRetentionDays:  cfg.Retention.MessagesDays,
		AuditLogRetentionDays: cfg.Retention.AuditDays,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed; policy.yaml edits require a restart", "error", err)
	} else {
		go watchPolicyFile(ctx, watcher, livePolicy, policyPath, logger)
	}

	var chans []channels.Channel
	if cfg.Channels.WebChat {
		chans = append(chans, channels.NewWebChatChannel(core, logger))
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			chans = append(chans, channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, core, logger))
		}
	}
	for _, ch := range chans {
		ch := ch
		go func() {
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel failed", "channel", ch.Name(), "error", err)
			}
		}()
	}

	server := gateway.NewServer(core)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr(),
		Handler: server.Handler(),
	}

	ln, err := net.Listen("tcp", cfg.BindAddr())
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr(), "ws", "/ws")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("core shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("gateway stopped")
}

// buildBrain constructs the configured LLM provider wrapped in a circuit
// breaker, or nil if no provider credential is configured — a gateway with
// no Brain can still serve channels.list/chat.messages/config.get and
// accept tool-less runs would simply fail at the plan step, which is an
// operator configuration error surfaced through doctor.Run's E_LLM_CONFIG
// check rather than a startup fatal.
// watchPolicyFile drains w's reload events and re-reads policy.yaml into
// livePolicy whenever it changes on disk, so an operator editing the file
// directly (outside req:config.set) takes effect without a restart. A
// config.yaml edit is logged but otherwise ignored: most Config fields
// (listen address, LLM provider, channel tokens) require a process restart
// to take effect safely.
func watchPolicyFile(ctx context.Context, w *config.Watcher, livePolicy *policy.LivePolicy, policyPath string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if filepath.Clean(ev.Path) != filepath.Clean(policyPath) {
				logger.Info("config.yaml changed on disk; restart to apply", "path", ev.Path)
				continue
			}
			if err := policy.ReloadFromFile(livePolicy, policyPath); err != nil {
				logger.Error("policy.yaml reload failed; previous policy remains active", "error", err)
				continue
			}
			logger.Info("policy.yaml reloaded from disk", "policy_version", livePolicy.PolicyVersion())
		}
	}
}

// registerBuiltinTools wires the file.*, shell.exec and math.sum ToolSpecs
// into reg. The Docker-backed sandbox and the WASM host are both optional
// collaborators: a missing docker daemon or a WASM init failure logs a
// warning and leaves the corresponding tool unregistered rather than
// failing startup, since an operator may run with neither configured.
func registerBuiltinTools(ctx context.Context, reg *tools.Registry, cfg config.Config, logger *slog.Logger) {
	if err := os.MkdirAll(cfg.Tools.WorkspaceDir, 0o755); err != nil {
		logger.Warn("workspace dir create failed; file.* tools disabled", "error", err)
	} else {
		if err := reg.Register(tools.NewFileReadTool(cfg.Tools.WorkspaceDir)); err != nil {
			logger.Warn("register file.read failed", "error", err)
		}
		if err := reg.Register(tools.NewFileWriteTool(cfg.Tools.WorkspaceDir)); err != nil {
			logger.Warn("register file.write failed", "error", err)
		}
	}

	sandbox, err := tools.NewDockerSandbox(cfg.Tools.DockerImage, cfg.Tools.DockerMemoryMB, cfg.Tools.DockerNetworkMode, cfg.Tools.WorkspaceDir)
	if err != nil {
		logger.Warn("docker sandbox init failed; shell.exec disabled", "error", err)
	} else if err := reg.Register(tools.NewShellExecTool(sandbox)); err != nil {
		logger.Warn("register shell.exec failed", "error", err)
	}

	wasmHost, err := wasm.NewHost(ctx, wasm.Config{Logger: logger})
	if err != nil {
		logger.Warn("wasm host init failed; math.sum disabled", "error", err)
		return
	}
	if err := tools.LoadMathSumModule(ctx, wasmHost); err != nil {
		logger.Warn("load math.sum wasm module failed", "error", err)
		return
	}
	if err := reg.Register(tools.NewMathSumTool(wasmHost)); err != nil {
		logger.Warn("register math.sum failed", "error", err)
	}
}

func buildBrain(cfg config.Config, logger *slog.Logger) llm.Brain {
	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM API key configured; agent runs will fail at the plan step until one is set")
		return nil
	}
	anthropicBrain, err := llm.NewAnthropicBrain(llm.AnthropicConfig{
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		logger.Error("llm provider init failed", "error", err)
		return nil
	}
	guarded := llm.NewGuardedBrain("anthropic", anthropicBrain, cfg.CircuitBreaker.Threshold, time.Duration(cfg.CircuitBreaker.CooldownSecond)*time.Second)
	return guarded
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit findings as JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: load config: %v\n", err)
		return 1
	}
	diag := doctor.Run(ctx, &cfg, Version)
	worstStatus := "PASS"
	for _, r := range diag.Results {
		if !*jsonOut {
			fmt.Printf("[%s] %s: %s\n", r.Status, r.Name, r.Message)
		}
		if r.Status == "FAIL" {
			worstStatus = "FAIL"
		} else if r.Status == "WARN" && worstStatus != "FAIL" {
			worstStatus = "WARN"
		}
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diag)
	}
	if worstStatus == "FAIL" {
		return 1
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
