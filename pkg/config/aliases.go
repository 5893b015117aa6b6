package config

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ModelAliases manages model alias resolution and validation.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, errors.Wrapf(err, "parse aliases %s", path)
	}

	if aliases.Aliases == nil {
		aliases.Aliases = make(map[string]string)
	}
	if aliases.Providers == nil {
		aliases.Providers = make(map[string][]string)
	}

	return &aliases, nil
}

// AliasesFile is the user alias file inside the config directory.
const AliasesFile = "aliases.yaml"

// LoadAliasesFromDir loads <configDir>/aliases.yaml, falling back to
// DefaultAliases when it does not exist.
func LoadAliasesFromDir(configDir string) (*ModelAliases, error) {
	if configDir != "" {
		userPath := filepath.Join(configDir, AliasesFile)
		if _, err := os.Stat(userPath); err == nil {
			return LoadAliases(userPath)
		}
	}
	return DefaultAliases(), nil
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ValidateModel checks if a model exists in the provider's list.
// Returns nil if valid, or an error describing the problem.
func (a *ModelAliases) ValidateModel(adapter, model string) error {
	if a == nil || a.Providers == nil {
		return nil // No validation possible without provider info
	}

	models, ok := a.Providers[adapter]
	if !ok {
		return errors.Newf("unknown adapter %q", adapter)
	}
	if model == "" {
		return nil
	}

	for _, m := range models {
		if m == model {
			return nil
		}
	}

	return errors.Newf("model %q not in %s provider list", model, adapter)
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// GetProviderForModel returns the provider name for a canonical model.
func (a *ModelAliases) GetProviderForModel(model string) string {
	if a == nil || a.Providers == nil {
		return ""
	}
	for _, provider := range a.ListProviders() {
		for _, m := range a.Providers[provider] {
			if m == model {
				return provider
			}
		}
	}
	return ""
}

// ResolveAnalysisConfig replaces aliases in cfg with canonical model names
// and returns every target that names an unknown model.
func (a *ModelAliases) ResolveAnalysisConfig(cfg *AnalysisConfig) []error {
	if a == nil || cfg == nil {
		return nil
	}

	var errs []error

	cfg.Default.Model = a.Resolve(cfg.Default.Model)
	if err := a.ValidateModel(cfg.Default.Adapter, cfg.Default.Model); err != nil {
		errs = append(errs, errors.Wrap(err, "default"))
	}

	stages := make([]string, 0, len(cfg.Stages))
	for name := range cfg.Stages {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	for _, name := range stages {
		target := cfg.Stages[name]
		target.Model = a.Resolve(target.Model)
		cfg.Stages[name] = target
		resolved := cfg.Target(name)
		if err := a.ValidateModel(resolved.Adapter, resolved.Model); err != nil {
			errs = append(errs, errors.Wrapf(err, "stage %q", name))
		}
	}

	return errs
}

// DefaultAliases returns the default model aliases configuration.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			// Anthropic
			"quality": "claude-sonnet-4-20250514",
			"deep":    "claude-opus-4-20250514",
			// OpenAI
			"fast":     "gpt-4.1-mini",
			"balanced": "gpt-4.1",
			"thinking": "o3",
			// Google
			"research": "gemini-2.5-pro",
			"flash":    "gemini-2.5-flash",
			// DeepSeek
			"cheap":  "deepseek-chat",
			"reason": "deepseek-reasoner",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			"openai":    {"gpt-4.1", "gpt-4.1-mini", "o3"},
			"google":    {"gemini-2.5-pro", "gemini-2.5-flash"},
			"deepseek":  {"deepseek-chat", "deepseek-reasoner"},
			"mock":      {"mock-1"},
		},
	}
}
