// Package doctor implements the gateway's self-diagnostic suite: the set of
// checks req:doctor.audit runs against the live configuration, database,
// filesystem and network to surface operational problems before they
// surface as run failures.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/agentgw/internal/config"
	"github.com/basket/agentgw/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check and returns their combined findings.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkSandbox,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("api_key set in config for provider %q", provider)}
	}

	envVars := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GEMINI_API_KEY",
	}
	envVar, ok := envVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("provider %q does not use a standard API key env var", provider)}
	}
	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  fmt.Sprintf("Set %s or cfg.llm.api_key", envVar),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "agentgw.db")
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.TotalEventCount(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkSandbox verifies the docker daemon is reachable when a write tool
// (shell.exec_sandboxed) needs it to run.
func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Sandbox", Status: "WARN", Message: "docker not found on PATH; shell.exec_sandboxed will fail"}
	}
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(cmdCtx, "docker", "info").Run(); err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: "docker daemon reachable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	endpoints := map[string]string{
		"anthropic": "api.anthropic.com",
		"openai":    "api.openai.com",
		"google":    "generativelanguage.googleapis.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "api.anthropic.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
