// Package config loads and hot-reloads the gateway's process configuration:
// listen address, instance identity, API keys/CORS, rate limits, run limits,
// the LLM provider, and the circuit breaker thresholds that guard it.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one accepted API key, with the principal it authenticates
// as and the roles/agent scopes it carries.
type APIKeyEntry struct {
	Key         string   `yaml:"key"`
	PrincipalID string   `yaml:"principal_id"`
	Roles       []string `yaml:"roles"`
	Description string   `yaml:"description"`
	AgentIDs    []string `yaml:"agent_ids"`
}

// AuthConfig controls the HTTP/WS API key middleware.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls browser-origin access to the HTTP/WS surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig mirrors internal/ratelimit.Config in serializable form.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	BurstSize         int     `yaml:"burst"`
}

// RunLimitsConfig bounds one agent run.
type RunLimitsConfig struct {
	MaxSteps         int `yaml:"max_steps"`
	TimeoutSeconds   int `yaml:"timeout_s"`
	ToolTimeoutS     int `yaml:"tool_timeout_s"`
	ApprovalTimeoutS int `yaml:"approval_timeout_s"`
	LLMTimeoutS      int `yaml:"llm_timeout_s"`
}

// CircuitBreakerConfig guards the LLM adapter.
type CircuitBreakerConfig struct {
	Threshold      int `yaml:"threshold"`
	CooldownSecond int `yaml:"cooldown_s"`
}

// LLMConfig names the active provider and its credentials.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // "anthropic" today; others are collaborator stubs
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig configures the channel adapters the gateway wires in.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	WebChat  bool           `yaml:"webchat_enabled"`
}

// RetentionConfig controls the scheduled sweep of old rows.
type RetentionConfig struct {
	EventsDays   int `yaml:"events_days"`
	MessagesDays int `yaml:"messages_days"`
	AuditDays    int `yaml:"audit_days"`
}

// ToolsConfig configures the built-in tool handlers Core registers at
// startup: the file.* pair's workspace jail and the shell.exec Docker
// sandbox's image/resources.
type ToolsConfig struct {
	WorkspaceDir      string `yaml:"workspace_dir"`
	DockerImage       string `yaml:"docker_image"`
	DockerNetworkMode string `yaml:"docker_network_mode"`
	DockerMemoryMB    int64  `yaml:"docker_memory_mb"`
}

// Config is the gateway's full process configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	InstanceID string `yaml:"instance_id"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" | "text"

	DataDir   string `yaml:"data_dir"`
	PluginDir string `yaml:"plugin_dir"`

	Auth AuthConfig `yaml:"auth"`
	CORS CORSConfig `yaml:"cors"`

	ChannelAllowlist map[string][]string `yaml:"channel_allowlist"`
	ToolAllowlist    map[string]bool     `yaml:"tool_allowlist"`

	RequireApprovalForWrite bool `yaml:"require_approval_for_write"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	RunLimits RunLimitsConfig `yaml:"run_limits"`

	LLM            LLMConfig            `yaml:"llm"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	Channels  ChannelsConfig  `yaml:"channels"`
	Retention RetentionConfig `yaml:"retention"`
	Tools     ToolsConfig     `yaml:"tools"`

	NeedsGenesis bool `yaml:"-"`
}

// BindAddr returns the "host:port" listen address.
func (c Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// Fingerprint returns a stable hash of the active config, surfaced over
// config.get and /healthz so operators can tell when a restart picked up a
// new config or policy file.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|instance=%s|log=%s/%s|llm=%s/%s|max_steps=%d|timeout=%d|rps=%.2f|burst=%d",
		c.Host, c.Port, c.InstanceID, c.LogLevel, c.LogFormat, c.LLM.Provider, c.LLM.Model,
		c.RunLimits.MaxSteps, c.RunLimits.TimeoutSeconds, c.RateLimit.RequestsPerSecond, c.RateLimit.BurstSize)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Host:       "127.0.0.1",
		Port:       8787,
		InstanceID: "agentgw-1",
		LogLevel:   "info",
		LogFormat:  "json",
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			BurstSize:         10,
		},
		RunLimits: RunLimitsConfig{
			MaxSteps:         20,
			TimeoutSeconds:   300,
			ToolTimeoutS:     30,
			ApprovalTimeoutS: 300,
			LLMTimeoutS:      60,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:      5,
			CooldownSecond: 300,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Channels: ChannelsConfig{
			WebChat: true,
		},
		Retention: RetentionConfig{
			EventsDays:   90,
			MessagesDays: 90,
			AuditDays:    365,
		},
		CORS: CORSConfig{
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			MaxAge:         3600,
		},
	}
}

// HomeDir returns the gateway's data/config home, overridable via
// GATEWAY_HOME.
func HomeDir() string {
	if override := os.Getenv("GATEWAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentgw")
}

// Load reads config.yaml from HomeDir (or GATEWAY_HOME), merges in
// environment overrides, and normalizes defaults. A missing config.yaml is
// not an error: NeedsGenesis is set so the caller can run first-time setup.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gateway home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save persists cfg to config.yaml under its HomeDir, so req:config.set
// changes survive a restart.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8787
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "agentgw-1"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.PluginDir == "" {
		cfg.PluginDir = filepath.Join(cfg.HomeDir, "plugins")
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.RunLimits.MaxSteps <= 0 {
		cfg.RunLimits.MaxSteps = 20
	}
	if cfg.RunLimits.TimeoutSeconds <= 0 {
		cfg.RunLimits.TimeoutSeconds = 300
	}
	if cfg.RunLimits.ToolTimeoutS <= 0 {
		cfg.RunLimits.ToolTimeoutS = 30
	}
	if cfg.RunLimits.ApprovalTimeoutS <= 0 {
		cfg.RunLimits.ApprovalTimeoutS = 300
	}
	if cfg.RunLimits.LLMTimeoutS <= 0 {
		cfg.RunLimits.LLMTimeoutS = 60
	}
	if cfg.CircuitBreaker.Threshold <= 0 {
		cfg.CircuitBreaker.Threshold = 5
	}
	if cfg.CircuitBreaker.CooldownSecond <= 0 {
		cfg.CircuitBreaker.CooldownSecond = 300
	}
	if cfg.ChannelAllowlist == nil {
		cfg.ChannelAllowlist = map[string][]string{}
	}
	if cfg.ToolAllowlist == nil {
		cfg.ToolAllowlist = map[string]bool{}
	}
	if cfg.Tools.WorkspaceDir == "" {
		cfg.Tools.WorkspaceDir = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Tools.DockerImage == "" {
		cfg.Tools.DockerImage = "golang:alpine"
	}
	if cfg.Tools.DockerNetworkMode == "" {
		cfg.Tools.DockerNetworkMode = "none"
	}
	if cfg.Tools.DockerMemoryMB <= 0 {
		cfg.Tools.DockerMemoryMB = 512
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GATEWAY_HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := os.Getenv("GATEWAY_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("GATEWAY_INSTANCE_ID"); raw != "" {
		cfg.InstanceID = raw
	}
	if raw := os.Getenv("GATEWAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GATEWAY_LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := os.Getenv("GATEWAY_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("GATEWAY_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("GATEWAY_RATE_LIMIT_RPS"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = v
		}
	}
	if raw := os.Getenv("GATEWAY_RATE_LIMIT_BURST"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.BurstSize = v
		}
	}
	if raw := os.Getenv("GATEWAY_MAX_STEPS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunLimits.MaxSteps = v
		}
	}
	if raw := os.Getenv("GATEWAY_API_KEYS"); raw != "" {
		// Comma-separated bootstrap keys, each authenticating as "bootstrap"
		// with the "admin" role — a minimal path to get a fresh instance
		// authenticated before an operator edits keys into config.yaml.
		cfg.Auth.Enabled = true
		for _, key := range strings.Split(raw, ",") {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{
				Key:         key,
				PrincipalID: "bootstrap",
				Roles:       []string{"admin"},
			})
		}
	}
}
