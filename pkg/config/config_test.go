package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestConfigUsesEnvAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	t.Setenv("ANTHROPIC_API_KEY", "env-ant")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "env-google")
	t.Setenv("DEEPSEEK_API_KEY", "env-deepseek")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "env-ant" || cfg.OpenAIAPIKey != "env-openai" || cfg.GoogleAPIKey != "env-google" || cfg.DeepSeekAPIKey != "env-deepseek" {
		t.Fatalf("expected env API keys to be used")
	}
	if !cfg.HasAdapter("anthropic") || !cfg.HasAdapter("mock") || cfg.HasAdapter("unknown") {
		t.Fatalf("unexpected HasAdapter results")
	}
}

func TestConfigDefaults(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearKeys(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigDir != filepath.Join(home, ".gdprcheck") {
		t.Fatalf("config dir = %q", cfg.ConfigDir)
	}
	a := cfg.Analysis
	if a.Retry.MaxAttempts != 3 || a.Scheduler.MaxConcurrency != 4 || a.Scoring.Policy != ScoreMean {
		t.Fatalf("unexpected defaults: %+v", a)
	}
	if Duration(a.Scheduler.RunTimeoutMs).Minutes() != 5 {
		t.Fatalf("run timeout = %dms, want 5m", a.Scheduler.RunTimeoutMs)
	}
	if a.Storage.ArchiveDir != filepath.Join(home, ".gdprcheck", "archive") {
		t.Fatalf("archive dir = %q", a.Storage.ArchiveDir)
	}
}

func TestLoadFileConfig(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearKeys(t)
	dir := filepath.Join(home, ".gdprcheck")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("archive_dir: /srv/gdprcheck/archive\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Analysis.Storage.ArchiveDir != "/srv/gdprcheck/archive" {
		t.Fatalf("archive dir = %q", cfg.Analysis.Storage.ArchiveDir)
	}

	if err := os.WriteFile(path, []byte("archive_dir: [unterminated\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "config.yaml") {
		t.Fatalf("expected parse error naming config.yaml, got %v", err)
	}
}

func TestLoadWithAnalysisFile(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearKeys(t)

	path := filepath.Join(t.TempDir(), "analysis.yaml")
	data := []byte(`default:
  adapter: openai
  model: gpt-4.1
stages:
  implementation_planning:
    adapter: anthropic
retry:
  max_attempts: 5
rate_limit:
  requests_per_second: 2
  burst: 2
scoring:
  policy: weighted
  weights:
    gdpr_risk_assessment: 2
    cross_reference_analysis: 1
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write analysis: %v", err)
	}

	cfg, err := LoadWithAnalysisFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := cfg.Analysis
	if a.Retry.MaxAttempts != 5 || a.Retry.BaseBackoffMs != 500 {
		t.Fatalf("retry not merged with defaults: %+v", a.Retry)
	}
	if a.RateLimit.RequestsPerSecond != 2 || a.Scoring.Weights["gdpr_risk_assessment"] != 2 {
		t.Fatalf("unexpected analysis config: %+v", a)
	}
	if target := a.Target("implementation_planning"); target.Adapter != "anthropic" || target.Model != "" {
		t.Fatalf("stage override = %+v, want anthropic with its default model", target)
	}
	if target := a.Target("bias_fairness_analysis"); target.Adapter != "openai" || target.Model != "gpt-4.1" {
		t.Fatalf("default target = %+v", target)
	}
}

func TestParseAnalysisConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown policy", "scoring:\n  policy: max\n", "unknown scoring policy"},
		{"weighted without weights", "scoring:\n  policy: weighted\n", "requires scoring.weights"},
		{"negative weight", "scoring:\n  policy: weighted\n  weights:\n    gdpr_risk_assessment: -1\n", "must not be negative"},
		{"reserve exceeds timeout", "scheduler:\n  run_timeout_ms: 1000\n  planning_reserve_ms: 2000\n", "planning reserve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAnalysisConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func clearKeys(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL"} {
		t.Setenv(key, "")
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
