package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `yaml:"app"`
	Budgets   BudgetConfig              `yaml:"budgets"`
	Security  SecurityConfig            `yaml:"security"`
	Tools     ToolsConfig               `yaml:"tools"`
	Gateways  map[string]GatewayConfig  `yaml:"gateways"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Memory    MemoryConfig              `yaml:"memory"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`
	PromptDir string `yaml:"prompt_dir"`
}

// BudgetConfig bounds retries per step and replans per task. Zero
// values fall back to the orchestrator defaults.
type BudgetConfig struct {
	RetryLimit   int `yaml:"retry_limit"`
	ReplanBudget int `yaml:"replan_budget"`
}

type SecurityConfig struct {
	BackupDir string `yaml:"backup_dir"`
	// DeniedPatterns are regexes matched against serialized invocation
	// arguments; a match blocks the invocation outright.
	DeniedPatterns []string `yaml:"denied_patterns"`
	DeniedTools    []string `yaml:"denied_tools"`
	// RiskDecisions overrides the per-class policy, e.g.
	// sensitive: allow.
	RiskDecisions map[string]string `yaml:"risk_decisions"`
}

type ToolsConfig struct {
	// TimeoutSeconds overrides per-tool execution timeouts by name.
	TimeoutSeconds  map[string]int `yaml:"timeout_seconds"`
	BrowserHeadless bool           `yaml:"browser_headless"`
	ArtifactsDir    string         `yaml:"artifacts_dir"`
}

type GatewayConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
	Enabled bool   `yaml:"enabled"`
}

type MemoryConfig struct {
	Path string `yaml:"path"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "deskpilot"
	}
	if c.App.Workspace == "" {
		c.App.Workspace = "workspace"
	}
	if c.App.PromptDir == "" {
		c.App.PromptDir = "prompts"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "deskpilot.db"
	}
	if c.Security.BackupDir == "" {
		c.Security.BackupDir = "backups"
	}
	if c.Tools.ArtifactsDir == "" {
		c.Tools.ArtifactsDir = "artifacts"
	}
}

// ToolTimeout returns the configured override for a tool, or zero when
// the tool keeps its declared default.
func (c *Config) ToolTimeout(name string) time.Duration {
	if secs, ok := c.Tools.TimeoutSeconds[name]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// ToolTimeouts returns every configured per-tool override, keyed by
// tool name, for wiring into the executor.
func (c *Config) ToolTimeouts() map[string]time.Duration {
	if len(c.Tools.TimeoutSeconds) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.Tools.TimeoutSeconds))
	for name := range c.Tools.TimeoutSeconds {
		if d := c.ToolTimeout(name); d > 0 {
			out[name] = d
		}
	}
	return out
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.Gateways["telegram"]
	if ok && tg.Enabled {
		return tg, true
	}
	return GatewayConfig{}, false
}
