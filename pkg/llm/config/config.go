// Package config parses LLM provider profiles.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

const (
	// ProviderTypeOpenAI selects the OpenAI Responses provider.
	ProviderTypeOpenAI = "openai"
	// ProviderTypeGemini selects the Gemini provider.
	ProviderTypeGemini = "gemini"
	// ProviderTypeAnthropic selects the Anthropic Messages provider.
	ProviderTypeAnthropic = "anthropic"
)

// Config is the LLM section of the service configuration.
type Config struct {
	// Providers contains provider profiles keyed by profile name.
	Providers map[string]ProviderProfile
}

// ProviderProfile describes one named provider profile.
type ProviderProfile struct {
	// Type identifies provider implementation kind.
	Type string
	// APIKey is the provider credential.
	APIKey string
	// BaseURL optionally overrides provider API endpoint.
	BaseURL string
	// MaxRetries optionally overrides SDK retry count.
	MaxRetries *int
	// OpenAI carries OpenAI-specific options.
	OpenAI *OpenAIOptions
	// Gemini carries Gemini-specific options.
	Gemini *GeminiOptions
}

// OpenAIOptions carries OpenAI-specific profile options.
type OpenAIOptions struct {
	Organization    string
	Project         string
	ReasoningEffort string
}

// GeminiOptions carries Gemini-specific profile options.
type GeminiOptions struct {
	APIVersion     string
	GoogleSearch   bool
	ThinkingBudget *int
}

type fileConfig struct {
	Providers map[string]fileProviderEntry `json:"providers"`
}

type fileProviderEntry struct {
	Type       string           `json:"type"`
	APIKey     string           `json:"api_key"`
	BaseURL    string           `json:"base_url"`
	MaxRetries *int             `json:"max_retries"`
	OpenAI     *fileOpenAIEntry `json:"openai"`
	Gemini     *fileGeminiEntry `json:"gemini"`
}

type fileOpenAIEntry struct {
	Organization    string `json:"organization"`
	Project         string `json:"project"`
	ReasoningEffort string `json:"reasoning_effort"`
}

type fileGeminiEntry struct {
	APIVersion     string `json:"api_version"`
	GoogleSearch   bool   `json:"google_search"`
	ThinkingBudget *int   `json:"thinking_budget"`
}

type rootRaw struct {
	Providers json.RawMessage `json:"providers"`
}

// Parse decodes and validates one JSON LLM section. Empty input yields an
// empty config.
func Parse(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return Config{Providers: map[string]ProviderProfile{}}, nil
	}
	if err := validateDuplicateProviderKeys(data); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}

	var parsed fileConfig
	if err := decodeStrictJSON(data, &parsed); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}

	cfg := Config{Providers: make(map[string]ProviderProfile, len(parsed.Providers))}
	for key, raw := range parsed.Providers {
		profileKey := strings.TrimSpace(key)
		if profileKey == "" {
			return Config{}, fmt.Errorf("parse llm config providers: empty provider key")
		}
		if _, exists := cfg.Providers[profileKey]; exists {
			return Config{}, fmt.Errorf("parse llm config providers: duplicate provider key %s", profileKey)
		}
		cfg.Providers[profileKey] = parseProviderProfile(raw)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration coherence.
func (cfg Config) Validate() error {
	for key, profile := range cfg.Providers {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("validate llm config providers: empty provider key")
		}
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("validate llm config providers[%s]: %w", key, err)
		}
	}

	return nil
}

// Validate checks one provider profile.
func (p ProviderProfile) Validate() error {
	switch p.Type {
	case ProviderTypeOpenAI:
		if p.Gemini != nil {
			return fmt.Errorf("gemini options set on openai provider")
		}
	case ProviderTypeGemini:
		if p.OpenAI != nil {
			return fmt.Errorf("openai options set on gemini provider")
		}
	case ProviderTypeAnthropic:
		if p.OpenAI != nil || p.Gemini != nil {
			return fmt.Errorf("provider options set on anthropic provider")
		}
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unsupported type %q", p.Type)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("missing api_key")
	}
	if p.BaseURL != "" {
		parsed, err := url.Parse(p.BaseURL)
		if err != nil {
			return fmt.Errorf("parse base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("parse base_url: must include scheme and host")
		}
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}

	return nil
}

func parseProviderProfile(raw fileProviderEntry) ProviderProfile {
	profile := ProviderProfile{
		Type:       strings.ToLower(strings.TrimSpace(raw.Type)),
		APIKey:     strings.TrimSpace(raw.APIKey),
		BaseURL:    strings.TrimSpace(raw.BaseURL),
		MaxRetries: cloneIntPointer(raw.MaxRetries),
	}
	if raw.OpenAI != nil {
		profile.OpenAI = &OpenAIOptions{
			Organization:    strings.TrimSpace(raw.OpenAI.Organization),
			Project:         strings.TrimSpace(raw.OpenAI.Project),
			ReasoningEffort: strings.TrimSpace(raw.OpenAI.ReasoningEffort),
		}
	}
	if raw.Gemini != nil {
		profile.Gemini = &GeminiOptions{
			APIVersion:     strings.TrimSpace(raw.Gemini.APIVersion),
			GoogleSearch:   raw.Gemini.GoogleSearch,
			ThinkingBudget: cloneIntPointer(raw.Gemini.ThinkingBudget),
		}
	}

	return profile
}

// validateDuplicateProviderKeys walks the providers object token by token
// because map decoding silently keeps the last duplicate.
func validateDuplicateProviderKeys(data []byte) error {
	var raw rootRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode root json: %w", err)
	}
	if len(raw.Providers) == 0 || string(raw.Providers) == "null" {
		return nil
	}

	seen := make(map[string]struct{})
	decoder := json.NewDecoder(bytes.NewReader(raw.Providers))
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	delim, ok := token.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("providers: expected object")
	}

	for decoder.More() {
		rawKey, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		key, ok := rawKey.(string)
		if !ok {
			return fmt.Errorf("providers: expected string key")
		}
		trimmedKey := strings.TrimSpace(key)
		if _, exists := seen[trimmedKey]; exists {
			return fmt.Errorf("providers: duplicate provider key %s", trimmedKey)
		}
		seen[trimmedKey] = struct{}{}

		var discard json.RawMessage
		if err := decoder.Decode(&discard); err != nil {
			return fmt.Errorf("providers[%s]: %w", trimmedKey, err)
		}
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	return nil
}

func decodeStrictJSON(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("unexpected trailing content")
		}
		return fmt.Errorf("decode trailing json: %w", err)
	}

	return nil
}

func cloneIntPointer(value *int) *int {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}
