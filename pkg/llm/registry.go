// Package llm resolves configured LLM providers by profile name.
package llm

import (
	"fmt"
	"sort"
	"strings"

	"ex-kagura/pkg/kagura"
	"ex-kagura/pkg/llm/config"
	"ex-kagura/pkg/llm/providers/anthropic"
	"ex-kagura/pkg/llm/providers/gemini"
	"ex-kagura/pkg/llm/providers/openai"
)

// Registry maps profile names to providers. Names are matched
// case-insensitively and the set is fixed after construction.
type Registry struct {
	providers map[string]kagura.LLMProvider
	names     []string
}

// NewRegistry validates providers and returns a registry over a copy.
func NewRegistry(providers map[string]kagura.LLMProvider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("new llm provider registry: empty providers")
	}

	registry := &Registry{providers: make(map[string]kagura.LLMProvider, len(providers))}
	for key, provider := range providers {
		name := profileName(key)
		switch {
		case name == "":
			return nil, fmt.Errorf("new llm provider registry: empty provider key")
		case provider == nil:
			return nil, fmt.Errorf("new llm provider registry: provider %s is nil", name)
		}
		if _, exists := registry.providers[name]; exists {
			return nil, fmt.Errorf("new llm provider registry: duplicate provider key %s", name)
		}
		registry.providers[name] = provider
		registry.names = append(registry.names, name)
	}
	sort.Strings(registry.names)

	return registry, nil
}

// Names lists the configured profile names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}

	return append([]string(nil), r.names...)
}

// Build constructs every provider profile in cfg.
func Build(cfg config.Config) (*Registry, error) {
	keys := make([]string, 0, len(cfg.Providers))
	for key := range cfg.Providers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	providers := make(map[string]kagura.LLMProvider, len(keys))
	for _, key := range keys {
		provider, err := buildProvider(cfg.Providers[key])
		if err != nil {
			return nil, fmt.Errorf("build llm provider %s: %w", key, err)
		}
		providers[key] = provider
	}

	return NewRegistry(providers)
}

func buildProvider(profile config.ProviderProfile) (kagura.LLMProvider, error) {
	switch profile.Type {
	case config.ProviderTypeOpenAI:
		cfg := openai.ProviderConfig{
			APIKey:     profile.APIKey,
			BaseURL:    profile.BaseURL,
			MaxRetries: profile.MaxRetries,
		}
		if profile.OpenAI != nil {
			cfg.Organization = profile.OpenAI.Organization
			cfg.Project = profile.OpenAI.Project
			cfg.ReasoningEffort = profile.OpenAI.ReasoningEffort
		}
		return openai.New(cfg)
	case config.ProviderTypeGemini:
		cfg := gemini.ProviderConfig{APIKey: profile.APIKey, BaseURL: profile.BaseURL}
		if profile.Gemini != nil {
			cfg.APIVersion = profile.Gemini.APIVersion
			cfg.GoogleSearch = profile.Gemini.GoogleSearch
			cfg.ThinkingBudget = profile.Gemini.ThinkingBudget
		}
		return gemini.New(cfg)
	case config.ProviderTypeAnthropic:
		return anthropic.New(anthropic.ProviderConfig{
			APIKey:     profile.APIKey,
			BaseURL:    profile.BaseURL,
			MaxRetries: profile.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("unsupported provider type %q", profile.Type)
	}
}

// Resolve returns the provider configured under name. Unknown names wrap
// kagura.ErrNotFound.
func (r *Registry) Resolve(name string) (kagura.LLMProvider, error) {
	key := profileName(name)
	switch {
	case r == nil:
		return nil, fmt.Errorf("resolve llm provider: nil registry")
	case key == "":
		return nil, fmt.Errorf("resolve llm provider: empty provider key")
	}

	provider, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("resolve llm provider %s: %w (configured: %s)",
			key, kagura.ErrNotFound, strings.Join(r.names, ", "))
	}

	return provider, nil
}

func profileName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

var _ kagura.LLMProviderRegistry = (*Registry)(nil)
