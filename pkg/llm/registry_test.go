package llm

import (
	"context"
	"strings"
	"testing"

	"ex-kagura/pkg/kagura"
	"ex-kagura/pkg/llm/config"
)

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	provider := &providerStub{}
	registry, err := NewRegistry(map[string]kagura.LLMProvider{
		"openai-main": provider,
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	tests := []struct {
		name             string
		key              string
		wantErrSubstring string
		wantSameProvider bool
	}{
		{name: "known provider", key: "openai-main", wantSameProvider: true},
		{name: "trimmed key", key: " openai-main ", wantSameProvider: true},
		{name: "case-insensitive key", key: "OpenAI-Main", wantSameProvider: true},
		{name: "unknown provider", key: "missing", wantErrSubstring: "configured: openai-main"},
		{name: "empty provider key", key: "   ", wantErrSubstring: "empty provider key"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			resolved, err := registry.Resolve(testCase.key)
			if testCase.wantErrSubstring != "" {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), testCase.wantErrSubstring) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if testCase.wantSameProvider && resolved != provider {
				t.Fatal("resolved provider pointer mismatch")
			}
		})
	}
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		providers        map[string]kagura.LLMProvider
		wantErrSubstring string
	}{
		{name: "empty", providers: nil, wantErrSubstring: "empty providers"},
		{name: "blank key", providers: map[string]kagura.LLMProvider{" ": &providerStub{}}, wantErrSubstring: "empty provider key"},
		{name: "nil provider", providers: map[string]kagura.LLMProvider{"a": nil}, wantErrSubstring: "is nil"},
		{
			name: "duplicate after trim",
			providers: map[string]kagura.LLMProvider{
				"a":  &providerStub{},
				" a": &providerStub{},
			},
			wantErrSubstring: "duplicate provider key",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRegistry(testCase.providers)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	registry, err := Build(config.Config{Providers: map[string]config.ProviderProfile{
		"gpt":    {Type: config.ProviderTypeOpenAI, APIKey: "sk-test", OpenAI: &config.OpenAIOptions{ReasoningEffort: "low"}},
		"gemini": {Type: config.ProviderTypeGemini, APIKey: "gm-test"},
		"claude": {Type: config.ProviderTypeAnthropic, APIKey: "sk-ant"},
	}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, key := range []string{"gpt", "gemini", "claude"} {
		if _, err := registry.Resolve(key); err != nil {
			t.Fatalf("Resolve(%s) failed: %v", key, err)
		}
	}
	if got := strings.Join(registry.Names(), ","); got != "claude,gemini,gpt" {
		t.Fatalf("Names() = %s, want claude,gemini,gpt", got)
	}

	_, err = Build(config.Config{Providers: map[string]config.ProviderProfile{
		"broken": {Type: config.ProviderTypeOpenAI, APIKey: "sk-test", OpenAI: &config.OpenAIOptions{ReasoningEffort: "turbo"}},
	}})
	if err == nil || !strings.Contains(err.Error(), "build llm provider broken") {
		t.Fatalf("error = %v, want build failure", err)
	}
}

type providerStub struct{}

func (providerStub) Generate(context.Context, kagura.LLMGenerateRequest) (kagura.LLMGenerateResponse, error) {
	return kagura.LLMGenerateResponse{}, nil
}
