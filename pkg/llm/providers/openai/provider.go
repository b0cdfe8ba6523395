// Package openai adapts the OpenAI Responses API to kagura.LLMProvider.
package openai

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"ex-kagura/pkg/kagura"
)

// ProviderConfig configures one OpenAI-backed provider instance.
type ProviderConfig struct {
	// APIKey is the credential used to authenticate requests.
	APIKey string
	// BaseURL optionally overrides the OpenAI endpoint.
	BaseURL string
	// Organization optionally sets the OpenAI organization header.
	Organization string
	// Project optionally sets the OpenAI project header.
	Project string
	// MaxRetries optionally overrides the SDK retry count.
	//
	// Nil keeps the SDK default behavior.
	MaxRetries *int
	// ReasoningEffort optionally sets the reasoning effort of every request.
	ReasoningEffort string
}

// Provider generates chat replies through the OpenAI Responses API.
//
// System messages travel as request instructions and responses are not
// stored server side.
type Provider struct {
	responses responsesClient
	effort    shared.ReasoningEffort
}

type responsesClient interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// New validates cfg and builds a provider.
func New(cfg ProviderConfig) (*Provider, error) {
	cfg, effort, err := normalizeProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new openai provider: %w", err)
	}
	client := openai.NewClient(requestOptions(cfg)...)

	return &Provider{responses: &client.Responses, effort: effort}, nil
}

func requestOptions(cfg ProviderConfig) []option.RequestOption {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	optional := []struct {
		value string
		apply func(string) option.RequestOption
	}{
		{value: cfg.BaseURL, apply: option.WithBaseURL},
		{value: cfg.Organization, apply: option.WithOrganization},
		{value: cfg.Project, apply: option.WithProject},
	}
	for _, candidate := range optional {
		if candidate.value != "" {
			options = append(options, candidate.apply(candidate.value))
		}
	}
	if cfg.MaxRetries != nil {
		options = append(options, option.WithMaxRetries(*cfg.MaxRetries))
	}

	return options
}

// Generate sends req and returns the trimmed output text.
func (p *Provider) Generate(ctx context.Context, req kagura.LLMGenerateRequest) (kagura.LLMGenerateResponse, error) {
	if p == nil || p.responses == nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("openai generate: nil provider")
	}
	if err := req.Validate(); err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("openai generate validate request: %w", err)
	}
	params, err := p.params(req)
	if err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("openai generate map request: %w", err)
	}

	response, err := p.responses.New(ctx, params)
	switch {
	case err != nil:
		return kagura.LLMGenerateResponse{}, fmt.Errorf("openai generate: %w", err)
	case response == nil:
		return kagura.LLMGenerateResponse{}, fmt.Errorf("openai generate: empty response")
	case response.Error.Message != "":
		return kagura.LLMGenerateResponse{}, fmt.Errorf("openai generate: %s", response.Error.Message)
	}

	return kagura.LLMGenerateResponse{Text: strings.TrimSpace(response.OutputText())}, nil
}

func (p *Provider) params(req kagura.LLMGenerateRequest) (responses.ResponseNewParams, error) {
	params := responses.ResponseNewParams{
		Model: strings.TrimSpace(req.Model),
		Store: openai.Bool(false),
	}
	if instructions := req.SystemPrompt(); instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	items := make(responses.ResponseInputParam, 0, len(req.Messages))
	for index, message := range req.Messages {
		var role responses.EasyInputMessageRole
		switch message.Role {
		case kagura.LLMMessageRoleSystem:
			continue
		case kagura.LLMMessageRoleUser:
			role = responses.EasyInputMessageRoleUser
		case kagura.LLMMessageRoleAssistant:
			role = responses.EasyInputMessageRoleAssistant
		default:
			return responses.ResponseNewParams{}, fmt.Errorf("messages[%d]: unsupported role %q", index, message.Role)
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(message.Content, role))
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}

	if p.effort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: p.effort}
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	return params, nil
}

var reasoningEfforts = map[string]shared.ReasoningEffort{
	string(shared.ReasoningEffortMinimal): shared.ReasoningEffortMinimal,
	string(shared.ReasoningEffortLow):     shared.ReasoningEffortLow,
	string(shared.ReasoningEffortMedium):  shared.ReasoningEffortMedium,
	string(shared.ReasoningEffortHigh):    shared.ReasoningEffortHigh,
}

func normalizeProviderConfig(cfg ProviderConfig) (ProviderConfig, shared.ReasoningEffort, error) {
	for _, field := range []*string{&cfg.APIKey, &cfg.BaseURL, &cfg.Organization, &cfg.Project} {
		*field = strings.TrimSpace(*field)
	}
	if cfg.APIKey == "" {
		return ProviderConfig{}, "", fmt.Errorf("missing api_key")
	}
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return ProviderConfig{}, "", fmt.Errorf("parse base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return ProviderConfig{}, "", fmt.Errorf("parse base_url: must include scheme and host")
		}
	}
	if cfg.MaxRetries != nil && *cfg.MaxRetries < 0 {
		return ProviderConfig{}, "", fmt.Errorf("max_retries must be >= 0")
	}

	rawEffort := strings.ToLower(strings.TrimSpace(cfg.ReasoningEffort))
	if rawEffort == "" {
		return cfg, "", nil
	}
	effort, ok := reasoningEfforts[rawEffort]
	if !ok {
		return ProviderConfig{}, "", fmt.Errorf("unsupported reasoning_effort %q", cfg.ReasoningEffort)
	}

	return cfg, effort, nil
}

var _ kagura.LLMProvider = (*Provider)(nil)
