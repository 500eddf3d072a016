// Package config loads and validates the hub's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentcom/internal/otel"
)

// TokenEntry maps a bearer token to an agent identity.
type TokenEntry struct {
	Token   string `yaml:"token"`
	AgentID string `yaml:"agent_id"`
}

// GatewayConfig configures the HTTP/WS surface.
type GatewayConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	AdminToken      string `yaml:"admin_token"`
	RatePerMinute   int    `yaml:"rate_per_minute"`
	ProtocolVersion int    `yaml:"protocol_version"`
}

// QueueConfig holds task queue tunables.
type QueueConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	TaskTTL    time.Duration `yaml:"task_ttl"`
}

// SchedulerConfig holds scheduler tunables.
type SchedulerConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	FallbackWait   time.Duration `yaml:"fallback_wait"`
}

// AgentsConfig holds per-agent FSM tunables.
type AgentsConfig struct {
	AcceptTimeout    time.Duration `yaml:"accept_timeout"`
	ProgressWatchdog time.Duration `yaml:"progress_watchdog"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	ReapThreshold    time.Duration `yaml:"reap_threshold"`
}

// EndpointsConfig holds LLM endpoint registry tunables.
type EndpointsConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	ResourceTTL      time.Duration `yaml:"resource_ttl"`
}

// RouterConfig parameterizes the pure routing function.
type RouterConfig struct {
	StandardModels []string `yaml:"standard_models"`
	CloudModel     string   `yaml:"cloud_model"`
	CloudEnabled   bool     `yaml:"cloud_enabled"`
}

// LLMConfig configures decomposition/verification calls.
type LLMConfig struct {
	CallTimeout     time.Duration `yaml:"call_timeout"`
	AnthropicKeyEnv string        `yaml:"anthropic_key_env"`
	BudgetUSD       float64       `yaml:"budget_usd"`
}

// HubConfig holds hub FSM tunables.
type HubConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	IdleThreshold   time.Duration `yaml:"idle_threshold"`
	Watchdog        time.Duration `yaml:"watchdog"`
	HealingCooldown time.Duration `yaml:"healing_cooldown"`
	HealingAttempts int           `yaml:"healing_attempts"`
}

// MaintenanceConfig holds cron expressions for unattended jobs.
type MaintenanceConfig struct {
	BackupSchedule string `yaml:"backup_schedule"`
	ScanSchedule   string `yaml:"scan_schedule"`
}

// Config is the root configuration document.
type Config struct {
	HomeDir     string            `yaml:"-"`
	LogLevel    string            `yaml:"log_level"`
	Quiet       bool              `yaml:"quiet"`
	DefaultRepo string            `yaml:"default_repo"`
	Tokens      []TokenEntry      `yaml:"tokens"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Queue       QueueConfig       `yaml:"queue"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Agents      AgentsConfig      `yaml:"agents"`
	Endpoints   EndpointsConfig   `yaml:"endpoints"`
	Router      RouterConfig      `yaml:"router"`
	LLM         LLMConfig         `yaml:"llm"`
	Hub         HubConfig         `yaml:"hub"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
}

// ConfigPath returns the canonical config file path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the hub home directory: $AGENTCOM_HOME or ~/.agentcom.
func HomeDir() string {
	if v := os.Getenv("AGENTCOM_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcom"
	}
	return filepath.Join(home, ".agentcom")
}

// Load reads, expands, normalizes, and validates the config file at
// ConfigPath(homeDir). A missing file yields pure defaults.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			ListenAddr:      "127.0.0.1:8787",
			RatePerMinute:   120,
			ProtocolVersion: 1,
		},
		Queue: QueueConfig{
			MaxRetries: 3,
			TaskTTL:    10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			SweepInterval:  30 * time.Second,
			StuckThreshold: 5 * time.Minute,
			FallbackWait:   5 * time.Second,
		},
		Agents: AgentsConfig{
			AcceptTimeout:    60 * time.Second,
			ProgressWatchdog: 5 * time.Minute,
			PingInterval:     30 * time.Second,
			PongTimeout:      10 * time.Second,
			ReapInterval:     30 * time.Second,
			ReapThreshold:    60 * time.Second,
		},
		Endpoints: EndpointsConfig{
			ProbeInterval:    30 * time.Second,
			ProbeConcurrency: 4,
			ResourceTTL:      90 * time.Second,
		},
		Router: RouterConfig{
			StandardModels: []string{"qwen2.5-coder:14b", "llama3.1:8b", "deepseek-coder-v2:16b"},
			CloudModel:     "claude-sonnet-4-5-20250929",
			CloudEnabled:   true,
		},
		LLM: LLMConfig{
			CallTimeout:     120 * time.Second,
			AnthropicKeyEnv: "ANTHROPIC_API_KEY",
			BudgetUSD:       25,
		},
		Hub: HubConfig{
			TickInterval:    time.Second,
			IdleThreshold:   10 * time.Minute,
			Watchdog:        2 * time.Hour,
			HealingCooldown: 5 * time.Minute,
			HealingAttempts: 3,
		},
	}
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = d.Gateway.ListenAddr
	}
	if cfg.Gateway.RatePerMinute <= 0 {
		cfg.Gateway.RatePerMinute = d.Gateway.RatePerMinute
	}
	if cfg.Gateway.ProtocolVersion <= 0 {
		cfg.Gateway.ProtocolVersion = d.Gateway.ProtocolVersion
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = d.Queue.MaxRetries
	}
	if cfg.Queue.TaskTTL <= 0 {
		cfg.Queue.TaskTTL = d.Queue.TaskTTL
	}
	if cfg.Scheduler.SweepInterval <= 0 {
		cfg.Scheduler.SweepInterval = d.Scheduler.SweepInterval
	}
	if cfg.Scheduler.StuckThreshold <= 0 {
		cfg.Scheduler.StuckThreshold = d.Scheduler.StuckThreshold
	}
	if cfg.Scheduler.FallbackWait <= 0 {
		cfg.Scheduler.FallbackWait = d.Scheduler.FallbackWait
	}
	if cfg.Agents.AcceptTimeout <= 0 {
		cfg.Agents.AcceptTimeout = d.Agents.AcceptTimeout
	}
	if cfg.Agents.ProgressWatchdog <= 0 {
		cfg.Agents.ProgressWatchdog = d.Agents.ProgressWatchdog
	}
	if cfg.Agents.PingInterval <= 0 {
		cfg.Agents.PingInterval = d.Agents.PingInterval
	}
	if cfg.Agents.PongTimeout <= 0 {
		cfg.Agents.PongTimeout = d.Agents.PongTimeout
	}
	if cfg.Agents.ReapInterval <= 0 {
		cfg.Agents.ReapInterval = d.Agents.ReapInterval
	}
	if cfg.Agents.ReapThreshold <= 0 {
		cfg.Agents.ReapThreshold = d.Agents.ReapThreshold
	}
	if cfg.Endpoints.ProbeInterval <= 0 {
		cfg.Endpoints.ProbeInterval = d.Endpoints.ProbeInterval
	}
	if cfg.Endpoints.ProbeConcurrency <= 0 {
		cfg.Endpoints.ProbeConcurrency = d.Endpoints.ProbeConcurrency
	}
	if cfg.Endpoints.ResourceTTL <= 0 {
		cfg.Endpoints.ResourceTTL = d.Endpoints.ResourceTTL
	}
	if len(cfg.Router.StandardModels) == 0 {
		cfg.Router.StandardModels = d.Router.StandardModels
	}
	if cfg.Router.CloudModel == "" {
		cfg.Router.CloudModel = d.Router.CloudModel
	}
	if cfg.LLM.CallTimeout <= 0 {
		cfg.LLM.CallTimeout = d.LLM.CallTimeout
	}
	if cfg.LLM.AnthropicKeyEnv == "" {
		cfg.LLM.AnthropicKeyEnv = d.LLM.AnthropicKeyEnv
	}
	if cfg.LLM.BudgetUSD <= 0 {
		cfg.LLM.BudgetUSD = d.LLM.BudgetUSD
	}
	if cfg.Hub.TickInterval <= 0 {
		cfg.Hub.TickInterval = d.Hub.TickInterval
	}
	if cfg.Hub.IdleThreshold <= 0 {
		cfg.Hub.IdleThreshold = d.Hub.IdleThreshold
	}
	if cfg.Hub.Watchdog <= 0 {
		cfg.Hub.Watchdog = d.Hub.Watchdog
	}
	if cfg.Hub.HealingCooldown <= 0 {
		cfg.Hub.HealingCooldown = d.Hub.HealingCooldown
	}
	if cfg.Hub.HealingAttempts <= 0 {
		cfg.Hub.HealingAttempts = d.Hub.HealingAttempts
	}
}

// Validate rejects configurations the process cannot start with.
// Callers exit with code 2 on error.
func (c Config) Validate() error {
	seen := make(map[string]string, len(c.Tokens))
	for _, entry := range c.Tokens {
		if entry.Token == "" || entry.AgentID == "" {
			return fmt.Errorf("config: token entries require both token and agent_id")
		}
		if prev, dup := seen[entry.Token]; dup {
			return fmt.Errorf("config: token reused by agents %q and %q", prev, entry.AgentID)
		}
		seen[entry.Token] = entry.AgentID
	}
	if c.Scheduler.StuckThreshold <= c.Scheduler.SweepInterval {
		return fmt.Errorf("config: stuck_threshold must exceed sweep_interval")
	}
	for _, expr := range []string{c.Maintenance.BackupSchedule, c.Maintenance.ScanSchedule} {
		if expr != "" && len(strings.Fields(expr)) != 5 {
			return fmt.Errorf("config: cron expression %q must have 5 fields", expr)
		}
	}
	return nil
}
