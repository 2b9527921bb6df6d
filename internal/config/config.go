// Package config loads the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "ORCHESTRATOR_CONFIG"

type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Models   ModelsConfig   `yaml:"models"`
	Agents   AgentsConfig   `yaml:"agents"`
	Context  ContextConfig  `yaml:"context"`
	Projects ProjectsConfig `yaml:"projects"`
	Network  NetworkConfig  `yaml:"network"`
	Tools    ToolsConfig    `yaml:"tools"`
	Input    InputConfig    `yaml:"input"`
	Timer    TimerConfig    `yaml:"timer"`
	Logging  LoggingConfig  `yaml:"logging"`
	Observer ObserverConfig `yaml:"observer"`
}

// ObserverConfig controls OTEL export. Endpoints come from the standard
// OTEL env vars.
type ObserverConfig struct {
	Enabled bool `yaml:"enabled"`
}

type PathsConfig struct {
	DB           string   `yaml:"db"`
	Logs         string   `yaml:"logs"`
	AllowedRead  []string `yaml:"allowed_read"`
	AllowedWrite []string `yaml:"allowed_write"`
}

type ModelsConfig struct {
	Default    string            `yaml:"default"`
	List       []ModelConfig     `yaml:"list"`
	Categories map[string]string `yaml:"categories"`
}

type ModelConfig struct {
	Name      string `yaml:"name"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int    `yaml:"max_tokens"`
}

type AgentsConfig map[string]AgentConfig

type AgentConfig struct {
	AllowedTools        []string `yaml:"allowed_tools"`
	MaxIterations       int      `yaml:"max_iterations"`
	ApprovalRequiredFor []string `yaml:"approval_required_for"`
}

type ContextConfig struct {
	RecentBufferTokens int `yaml:"recent_buffer_tokens"`
	SummaryTokens      int `yaml:"summary_tokens"`
	BriefTokens        int `yaml:"brief_tokens"`
}

type ProjectsConfig struct {
	DefaultProjectID   string `yaml:"default_project_id"`
	DefaultProjectName string `yaml:"default_project_name"`
}

type NetworkConfig struct {
	Enabled          bool      `yaml:"enabled"`
	TCP              TCPConfig `yaml:"tcp"`
	UnixSocket       string    `yaml:"unix_socket"`
	RequestTimeoutS  int       `yaml:"request_timeout_s"`
	RequireAuth      bool      `yaml:"require_auth"`
	APIKey           string    `yaml:"api_key"`
	ModelName        string    `yaml:"model_name"`
	DefaultAgentType string    `yaml:"default_agent_type"`
}

type TCPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ToolsConfig struct {
	ShellAllowlist []string `yaml:"shell_allowlist"`
}

type InputConfig struct {
	MaxInlineChars       int `yaml:"max_inline_chars"`
	MaxFileSizeMB        int `yaml:"max_file_size_mb"`
	MaxTokensEstimate    int `yaml:"max_tokens_estimate"`
	LargeFileThresholdMB int `yaml:"large_file_threshold_mb"`
}

type TimerConfig struct {
	IntervalS int `yaml:"interval_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	dataDir := filepath.Join(home, ".local", "share", "germinal")
	return Config{
		Paths: PathsConfig{
			DB:           filepath.Join(dataDir, "germinal.db"),
			Logs:         filepath.Join(dataDir, "logs"),
			AllowedRead:  []string{home},
			AllowedWrite: []string{filepath.Join(home, "germinal-workspace")},
		},
		Models: ModelsConfig{
			Default: "default",
			List: []ModelConfig{{
				Name:      "default",
				Model:     "gpt-4o-mini",
				BaseURL:   "https://api.openai.com/v1",
				APIKeyEnv: "OPENAI_API_KEY",
				MaxTokens: 4096,
			}},
			Categories: map[string]string{"summarise": "default"},
		},
		Agents: AgentsConfig{
			"task_agent": {
				AllowedTools: []string{
					"read_file", "write_file", "list_directory", "shell_run",
					"read_task_list", "write_task", "notify_user",
					"show_os", "show_hardware", "show_ps", "read_large_content",
					"git_status", "git_diff", "git_log", "git_list_branches",
				},
				MaxIterations:       100,
				ApprovalRequiredFor: []string{"high"},
			},
			"dev_agent": {
				AllowedTools:        []string{"*"},
				MaxIterations:       100,
				ApprovalRequiredFor: []string{"high"},
			},
		},
		Context:  ContextConfig{RecentBufferTokens: 3000, SummaryTokens: 1000, BriefTokens: 500},
		Projects: ProjectsConfig{DefaultProjectID: "default", DefaultProjectName: "Default Project"},
		Network: NetworkConfig{
			Enabled:          false,
			TCP:              TCPConfig{Host: "127.0.0.1", Port: 8143},
			RequestTimeoutS:  300,
			ModelName:        "germinal",
			DefaultAgentType: "task_agent",
		},
		Tools: ToolsConfig{ShellAllowlist: []string{
			"ls", "cat", "grep", "find", "head", "tail", "wc", "date", "df", "du", "uptime", "ps", "git",
		}},
		Input: InputConfig{
			MaxInlineChars:       8000,
			MaxFileSizeMB:        10,
			MaxTokensEstimate:    2000,
			LargeFileThresholdMB: 1,
		},
		Timer:   TimerConfig{IntervalS: 60},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Resolve returns the config file path to load. Precedence: the explicit
// path, then ORCHESTRATOR_CONFIG, then ~/.config/germinal/config.yaml,
// then ./config.yaml.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "germinal", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "config.yaml"
}

// Load reads the config at path: defaults, then YAML file on top. A
// missing file is not an error, the defaults simply apply. Path-like
// fields have ~ and $VAR expanded after loading.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// Seed writes the default config to path unless a file already exists
// there. Used on first run so the operator has something to edit.
func Seed(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Model returns the model entry for key, falling back through the
// category map. Returns false when no entry matches.
func (c Config) Model(key string) (ModelConfig, bool) {
	if key == "" || key == "default" {
		key = c.Models.Default
	}
	if mapped, ok := c.Models.Categories[key]; ok {
		key = mapped
	}
	for _, m := range c.Models.List {
		if m.Name == key {
			return m, true
		}
	}
	return ModelConfig{}, false
}

func (c *Config) expandPaths() {
	c.Paths.DB = ExpandPath(c.Paths.DB)
	c.Paths.Logs = ExpandPath(c.Paths.Logs)
	for i, p := range c.Paths.AllowedRead {
		c.Paths.AllowedRead[i] = ExpandPath(p)
	}
	for i, p := range c.Paths.AllowedWrite {
		c.Paths.AllowedWrite[i] = ExpandPath(p)
	}
	c.Network.UnixSocket = ExpandPath(c.Network.UnixSocket)
}

// ExpandPath expands a leading ~ and any $VAR references.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
		}
	}
	return os.ExpandEnv(p)
}
