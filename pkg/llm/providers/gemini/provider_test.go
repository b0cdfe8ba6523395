package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/genai"

	"ex-kagura/pkg/kagura"
)

func TestNewGeminiProviderConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		cfg              ProviderConfig
		wantErrSubstring string
	}{
		{
			name: "valid config",
			cfg: ProviderConfig{
				APIKey:         "gm-test",
				BaseURL:        "https://generativelanguage.googleapis.com",
				APIVersion:     "v1",
				ThinkingBudget: ptrInt(256),
			},
		},
		{
			name:             "missing api key",
			cfg:              ProviderConfig{APIKey: " "},
			wantErrSubstring: "missing api_key",
		},
		{
			name:             "invalid base url",
			cfg:              ProviderConfig{APIKey: "gm-test", BaseURL: "://bad"},
			wantErrSubstring: "parse base_url",
		},
		{
			name:             "invalid api version",
			cfg:              ProviderConfig{APIKey: "gm-test", APIVersion: "v1/beta"},
			wantErrSubstring: "invalid api_version",
		},
		{
			name:             "thinking budget out of range",
			cfg:              ProviderConfig{APIKey: "gm-test", ThinkingBudget: ptrInt(-2)},
			wantErrSubstring: "thinking_budget",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			provider, err := New(testCase.cfg)
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
				t.Fatalf("New failed: %v", err)
			}
			if provider == nil {
				t.Fatal("expected provider instance")
			}
		})
	}
}

func TestGeminiProviderGenerateMapsRequest(t *testing.T) {
	t.Parallel()

	budget := int32(128)
	client := &modelsClientStub{response: textResponse("  pong ")}
	provider := &Provider{models: client, googleSearch: true, thinkingBudget: &budget}

	response, err := provider.Generate(context.Background(), kagura.LLMGenerateRequest{
		Model: " gemini-2.5-flash ",
		Messages: []kagura.LLMMessage{
			{Role: kagura.LLMMessageRoleSystem, Content: "be brief"},
			{Role: kagura.LLMMessageRoleUser, Content: "ping"},
			{Role: kagura.LLMMessageRoleAssistant, Content: "pong"},
			{Role: kagura.LLMMessageRoleUser, Content: "again"},
		},
		MaxOutputTokens: 64,
		Temperature:     0.5,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if response.Text != "pong" {
		t.Fatalf("text = %q, want pong", response.Text)
	}

	if len(client.calls) != 1 {
		t.Fatalf("call count = %d, want 1", len(client.calls))
	}
	call := client.calls[0]
	if call.model != "gemini-2.5-flash" {
		t.Fatalf("model = %q, want gemini-2.5-flash", call.model)
	}
	roles := make([]string, 0, len(call.contents))
	for _, content := range call.contents {
		roles = append(roles, content.Role)
	}
	if diff := cmp.Diff([]string{"user", "model", "user"}, roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if got := call.config.SystemInstruction.Parts[0].Text; got != "be brief" {
		t.Fatalf("system instruction = %q, want be brief", got)
	}
	if call.config.Temperature == nil || *call.config.Temperature != 0.5 {
		t.Fatalf("temperature = %v, want 0.5", call.config.Temperature)
	}
	if call.config.MaxOutputTokens != 64 {
		t.Fatalf("max output tokens = %d, want 64", call.config.MaxOutputTokens)
	}
	if len(call.config.Tools) != 1 || call.config.Tools[0].GoogleSearch == nil {
		t.Fatalf("tools = %+v, want google search", call.config.Tools)
	}
	if call.config.ThinkingConfig == nil || *call.config.ThinkingConfig.ThinkingBudget != 128 {
		t.Fatalf("thinking config = %+v, want budget 128", call.config.ThinkingConfig)
	}
}

func TestGeminiProviderGenerateErrors(t *testing.T) {
	t.Parallel()

	errUpstream := errors.New("quota exhausted")
	tests := []struct {
		name             string
		client           *modelsClientStub
		messages         []kagura.LLMMessage
		wantIs           error
		wantErrSubstring string
	}{
		{
			name:             "invalid request",
			client:           &modelsClientStub{},
			wantErrSubstring: "validate request",
		},
		{
			name:             "only system messages",
			client:           &modelsClientStub{},
			messages:         []kagura.LLMMessage{{Role: kagura.LLMMessageRoleSystem, Content: "sys"}},
			wantErrSubstring: "missing non-system messages",
		},
		{
			name:     "client error",
			client:   &modelsClientStub{err: errUpstream},
			messages: []kagura.LLMMessage{{Role: kagura.LLMMessageRoleUser, Content: "hi"}},
			wantIs:   errUpstream,
		},
		{
			name: "blocked prompt",
			client: &modelsClientStub{response: &genai.GenerateContentResponse{
				PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
			}},
			messages:         []kagura.LLMMessage{{Role: kagura.LLMMessageRoleUser, Content: "hi"}},
			wantErrSubstring: "prompt blocked",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			provider := &Provider{models: testCase.client}
			_, err := provider.Generate(context.Background(), kagura.LLMGenerateRequest{
				Model:    "gemini-2.5-flash",
				Messages: testCase.messages,
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if testCase.wantIs != nil && !errors.Is(err, testCase.wantIs) {
				t.Fatalf("error = %v, want %v", err, testCase.wantIs)
			}
			if testCase.wantErrSubstring != "" && !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
			}
		})
	}
}

type generateCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type modelsClientStub struct {
	calls    []generateCall
	response *genai.GenerateContentResponse
	err      error
}

func (s *modelsClientStub) GenerateContent(
	_ context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	s.calls = append(s.calls, generateCall{model: model, contents: contents, config: config})

	return s.response, s.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func ptrInt(value int) *int {
	return &value
}
