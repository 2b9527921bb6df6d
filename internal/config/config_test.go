package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Context.RecentBufferTokens != 3000 || cfg.Context.SummaryTokens != 1000 || cfg.Context.BriefTokens != 500 {
		t.Errorf("context budgets = %+v", cfg.Context)
	}
	if cfg.Projects.DefaultProjectID != "default" {
		t.Errorf("default project = %q", cfg.Projects.DefaultProjectID)
	}
	if _, ok := cfg.Agents["task_agent"]; !ok {
		t.Error("task_agent agent missing from defaults")
	}
	if cfg.Network.RequestTimeoutS != 300 {
		t.Errorf("request_timeout_s = %d, want 300", cfg.Network.RequestTimeoutS)
	}
	if cfg.Input.MaxFileSizeMB != 10 || cfg.Input.MaxTokensEstimate != 2000 || cfg.Input.LargeFileThresholdMB != 1 {
		t.Errorf("input limits = %+v", cfg.Input)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(`
context:
  recent_buffer_tokens: 500
  summary_tokens: 800
  brief_tokens: 200
input:
  max_file_size_mb: 5
  max_tokens_estimate: 1500
  large_file_threshold_mb: 2
agents:
  helper:
    allowed_tools: ["*"]
    max_iterations: 20
network:
  enabled: true
  tcp:
    port: 9000
models:
  default: fast
  list:
    - name: fast
      model: llama3
      base_url: http://localhost:11434/v1
      api_key_env: OLLAMA_KEY
      max_tokens: 2048
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Context.RecentBufferTokens != 500 || cfg.Context.SummaryTokens != 800 || cfg.Context.BriefTokens != 200 {
		t.Errorf("context budgets = %+v", cfg.Context)
	}
	if cfg.Input.MaxFileSizeMB != 5 || cfg.Input.MaxTokensEstimate != 1500 || cfg.Input.LargeFileThresholdMB != 2 {
		t.Errorf("input limits = %+v", cfg.Input)
	}
	helper, ok := cfg.Agents["helper"]
	if !ok || len(helper.AllowedTools) != 1 || helper.AllowedTools[0] != "*" {
		t.Errorf("helper agent = %+v ok=%v", helper, ok)
	}
	if !cfg.Network.Enabled || cfg.Network.TCP.Port != 9000 {
		t.Errorf("network = %+v", cfg.Network)
	}
	// Untouched sections keep their defaults.
	if cfg.Network.TCP.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Network.TCP.Host)
	}

	m, ok := cfg.Model("default")
	if !ok || m.Model != "llama3" || m.MaxTokens != 2048 {
		t.Errorf("model = %+v ok=%v", m, ok)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("models: [unclosed"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("invalid yaml should error")
	}
}

func TestModelCategoryLookup(t *testing.T) {
	cfg := Default()
	cfg.Models.List = append(cfg.Models.List, ModelConfig{Name: "cheap", Model: "mini"})
	cfg.Models.Categories = map[string]string{"summarise": "cheap"}

	m, ok := cfg.Model("summarise")
	if !ok || m.Name != "cheap" {
		t.Errorf("category lookup = %+v ok=%v", m, ok)
	}
	if _, ok := cfg.Model("nonexistent"); ok {
		t.Error("unknown key should not resolve")
	}
	// Empty key falls through to the configured default.
	m, ok = cfg.Model("")
	if !ok || m.Name != "default" {
		t.Errorf("empty key = %+v ok=%v", m, ok)
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(EnvConfigPath, "/env/config.yaml")
	if got := Resolve("/explicit.yaml"); got != "/explicit.yaml" {
		t.Errorf("explicit path = %q", got)
	}
	if got := Resolve(""); got != "/env/config.yaml" {
		t.Errorf("env path = %q", got)
	}
	t.Setenv(EnvConfigPath, "")
	// No user config file in the test home, so the local fallback wins.
	t.Setenv("HOME", t.TempDir())
	if got := Resolve(""); got != "config.yaml" {
		t.Errorf("fallback path = %q", got)
	}
}

func TestSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := Seed(path); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load seeded: %v", err)
	}
	if cfg.Models.Default != "default" {
		t.Errorf("seeded config = %+v", cfg.Models)
	}

	// Seeding again must not clobber an edited file.
	os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644)
	if err := Seed(path); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	cfg, _ = Load(path)
	if cfg.Logging.Level != "debug" {
		t.Errorf("seed overwrote existing file: level = %q", cfg.Logging.Level)
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("GERM_DIR", "/data")
	cases := map[string]string{
		"~/db.sqlite":        "/home/tester/db.sqlite",
		"$GERM_DIR/db":       "/data/db",
		"/absolute/path":     "/absolute/path",
		"":                   "",
		"~":                  "/home/tester",
	}
	for in, want := range cases {
		if got := ExpandPath(in); got != want {
			t.Errorf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
}
