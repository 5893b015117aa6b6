package config

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	Analysis        *AnalysisConfig
	ConfigDir       string
}

// FileConfig represents the structure of ~/.gdprcheck/config.yaml.
// Only non-secret settings are read from it.
type FileConfig struct {
	DeepSeekBaseURL string `yaml:"deepseek_base_url,omitempty"`
	ArchiveDir      string `yaml:"archive_dir,omitempty"`
	EvidenceDir     string `yaml:"evidence_dir,omitempty"`
}

// Load reads configuration from the user config directory and environment
// variables. API keys are read from the environment only.
func Load() (*Config, error) {
	return load("")
}

// LoadWithAnalysisFile loads config with a specific analysis file.
func LoadWithAnalysisFile(analysisPath string) (*Config, error) {
	if analysisPath == "" {
		return nil, errors.New("analysis config path is required")
	}
	return load(analysisPath)
}

func load(analysisPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get config directory")
	}

	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekBaseURL: getEnvOrDefault("DEEPSEEK_BASE_URL", fileConfig.DeepSeekBaseURL),
		ConfigDir:       configDir,
	}

	if analysisPath == "" {
		defaultPath := filepath.Join(configDir, "analysis.yaml")
		if _, err := os.Stat(defaultPath); err == nil {
			analysisPath = defaultPath
		}
	}
	if analysisPath != "" {
		analysis, err := LoadAnalysisConfig(analysisPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load analysis config from %s", analysisPath)
		}
		cfg.Analysis = analysis
	} else {
		cfg.Analysis = DefaultAnalysisConfig()
	}

	if cfg.Analysis.Storage.ArchiveDir == "" {
		cfg.Analysis.Storage.ArchiveDir = firstNonEmpty(fileConfig.ArchiveDir, filepath.Join(configDir, "archive"))
	}
	if cfg.Analysis.Storage.EvidenceDir == "" {
		cfg.Analysis.Storage.EvidenceDir = fileConfig.EvidenceDir
	}
	if cfg.Analysis.Storage.KeyDir == "" {
		cfg.Analysis.Storage.KeyDir = filepath.Join(configDir, "keys")
	}

	return cfg, nil
}

// HasAdapter returns true if the adapter can be constructed.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "parse %s", path),
			"fix or remove the file to fall back to defaults")
	}
	return cfg, nil
}

func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".gdprcheck")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}
