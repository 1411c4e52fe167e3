package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentgw/internal/config"
)

func TestLoad_FromGatewayHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".agentgw")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("host: 0.0.0.0\nport: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("GATEWAY_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Fatalf("expected host=0.0.0.0 got %q", cfg.Host)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port=9090 got %d", cfg.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("GATEWAY_HOST", "10.0.0.1")
	t.Setenv("GATEWAY_PORT", "7000")
	t.Setenv("ANTHROPIC_API_KEY", "test-key-123")
	t.Setenv("GATEWAY_MAX_STEPS", "5")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Host != "10.0.0.1" {
		t.Fatalf("expected host override, got %q", cfg.Host)
	}
	if cfg.Port != 7000 {
		t.Fatalf("expected port override, got %d", cfg.Port)
	}
	if cfg.LLM.APIKey != "test-key-123" {
		t.Fatalf("expected ANTHROPIC_API_KEY override, got %q", cfg.LLM.APIKey)
	}
	if cfg.RunLimits.MaxSteps != 5 {
		t.Fatalf("expected max_steps override, got %d", cfg.RunLimits.MaxSteps)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("GATEWAY_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml is absent")
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("GATEWAY_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RunLimits.MaxSteps != 20 {
		t.Fatalf("expected default max_steps=20, got %d", cfg.RunLimits.MaxSteps)
	}
	if cfg.RunLimits.TimeoutSeconds != 300 {
		t.Fatalf("expected default timeout_s=300, got %d", cfg.RunLimits.TimeoutSeconds)
	}
	if cfg.CircuitBreaker.Threshold != 5 || cfg.CircuitBreaker.CooldownSecond != 300 {
		t.Fatalf("unexpected circuit breaker defaults: %+v", cfg.CircuitBreaker)
	}
	if cfg.ChannelAllowlist == nil || cfg.ToolAllowlist == nil {
		t.Fatalf("expected non-nil allowlist maps after normalize")
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := config.Config{Host: "127.0.0.1", Port: 8787, InstanceID: "a"}
	b := a
	b.Port = 9090

	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected different fingerprints for different port")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint should be deterministic")
	}
}

func TestSave_RoundTrips(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home, Host: "127.0.0.1", Port: 8787, InstanceID: "roundtrip"}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty saved config.yaml")
	}
}
