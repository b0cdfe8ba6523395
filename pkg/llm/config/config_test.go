package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	t.Parallel()

	retries := 3
	budget := 128
	tests := []struct {
		name             string
		body             string
		want             Config
		wantErrSubstring string
	}{
		{
			name: "all provider types",
			body: `{
				"providers":{
					"openai-main":{
						"type":"OpenAI",
						"api_key":" sk-test ",
						"base_url":"https://api.openai.com/v1",
						"max_retries":3,
						"openai":{"organization":"org","project":"proj","reasoning_effort":"low"}
					},
					"gemini-main":{
						"type":"gemini",
						"api_key":"gm-test",
						"gemini":{"api_version":"v1beta","google_search":true,"thinking_budget":128}
					},
					"claude":{"type":"anthropic","api_key":"sk-ant"}
				}
			}`,
			want: Config{Providers: map[string]ProviderProfile{
				"openai-main": {
					Type:       ProviderTypeOpenAI,
					APIKey:     "sk-test",
					BaseURL:    "https://api.openai.com/v1",
					MaxRetries: &retries,
					OpenAI:     &OpenAIOptions{Organization: "org", Project: "proj", ReasoningEffort: "low"},
				},
				"gemini-main": {
					Type:   ProviderTypeGemini,
					APIKey: "gm-test",
					Gemini: &GeminiOptions{APIVersion: "v1beta", GoogleSearch: true, ThinkingBudget: &budget},
				},
				"claude": {Type: ProviderTypeAnthropic, APIKey: "sk-ant"},
			}},
		},
		{
			name: "empty section",
			body: ``,
			want: Config{Providers: map[string]ProviderProfile{}},
		},
		{
			name:             "duplicate provider key",
			body:             `{"providers":{"a":{"type":"anthropic","api_key":"x"},"a":{"type":"anthropic","api_key":"y"}}}`,
			wantErrSubstring: "duplicate provider key a",
		},
		{
			name:             "unknown field",
			body:             `{"providers":{},"agents":[]}`,
			wantErrSubstring: "unknown field",
		},
		{
			name:             "unsupported type",
			body:             `{"providers":{"x":{"type":"mistral","api_key":"k"}}}`,
			wantErrSubstring: "unsupported type",
		},
		{
			name:             "missing api key",
			body:             `{"providers":{"x":{"type":"openai"}}}`,
			wantErrSubstring: "missing api_key",
		},
		{
			name:             "mismatched options",
			body:             `{"providers":{"x":{"type":"gemini","api_key":"k","openai":{}}}}`,
			wantErrSubstring: "openai options set on gemini provider",
		},
		{
			name:             "relative base url",
			body:             `{"providers":{"x":{"type":"anthropic","api_key":"k","base_url":"/v1"}}}`,
			wantErrSubstring: "must include scheme and host",
		},
		{
			name:             "negative retries",
			body:             `{"providers":{"x":{"type":"anthropic","api_key":"k","max_retries":-1}}}`,
			wantErrSubstring: "max_retries",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := Parse([]byte(testCase.body))
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
				t.Fatalf("Parse failed: %v", err)
			}
			if diff := cmp.Diff(testCase.want, got); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
