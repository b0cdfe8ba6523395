// Package gemini adapts the Gemini Developer API to kagura.LLMProvider.
package gemini

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"unicode"

	"google.golang.org/genai"

	"ex-kagura/pkg/kagura"
)

const defaultAPIVersion = "v1beta"

// ProviderConfig configures one Gemini-backed provider instance.
type ProviderConfig struct {
	// APIKey is the credential used to authenticate requests.
	APIKey string
	// BaseURL optionally overrides the Gemini endpoint.
	BaseURL string
	// APIVersion optionally overrides Gemini API version.
	//
	// Zero defaults to v1beta.
	APIVersion string
	// GoogleSearch enables the Google Search tool for all requests.
	GoogleSearch bool
	// ThinkingBudget optionally sets the thinking token budget.
	ThinkingBudget *int
}

// Provider is a kagura LLM provider backed by Gemini GenerateContent.
type Provider struct {
	models         modelsClient
	googleSearch   bool
	thinkingBudget *int32
}

type modelsClient interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// New builds one Gemini API provider instance.
func New(cfg ProviderConfig) (*Provider, error) {
	normalized, budget, err := normalizeProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new gemini provider: %w", err)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  normalized.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    normalized.BaseURL,
			APIVersion: normalized.APIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	if client == nil || client.Models == nil {
		return nil, fmt.Errorf("new gemini client: models client is nil")
	}

	return &Provider{
		models:         client.Models,
		googleSearch:   normalized.GoogleSearch,
		thinkingBudget: budget,
	}, nil
}

// Generate runs one GenerateContent request and returns the response text.
func (p *Provider) Generate(ctx context.Context, req kagura.LLMGenerateRequest) (kagura.LLMGenerateResponse, error) {
	if p == nil || p.models == nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("gemini generate: nil provider")
	}
	if err := req.Validate(); err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("gemini generate validate request: %w", err)
	}

	contents, config, err := p.mapGenerateRequest(req)
	if err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("gemini generate map request: %w", err)
	}

	response, err := p.models.GenerateContent(ctx, strings.TrimSpace(req.Model), contents, config)
	if err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("gemini generate: %w", err)
	}
	if response == nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("gemini generate: empty response")
	}
	if feedback := response.PromptFeedback; feedback != nil && feedback.BlockReason != "" {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("gemini generate: prompt blocked: %s", feedback.BlockReason)
	}

	return kagura.LLMGenerateResponse{Text: strings.TrimSpace(response.Text())}, nil
}

func (p *Provider) mapGenerateRequest(req kagura.LLMGenerateRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for index, message := range req.Messages {
		switch message.Role {
		case kagura.LLMMessageRoleSystem:
			continue
		case kagura.LLMMessageRoleUser:
			contents = append(contents, genai.NewContentFromText(message.Content, genai.RoleUser))
		case kagura.LLMMessageRoleAssistant:
			contents = append(contents, genai.NewContentFromText(message.Content, genai.RoleModel))
		default:
			return nil, nil, fmt.Errorf("messages[%d] role: unsupported role %q", index, message.Role)
		}
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("missing non-system messages")
	}

	config := &genai.GenerateContentConfig{}
	if system := req.SystemPrompt(); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature > 0 {
		temperature := float32(req.Temperature)
		config.Temperature = &temperature
	}
	if req.MaxOutputTokens > 0 {
		if req.MaxOutputTokens > math.MaxInt32 {
			return nil, nil, fmt.Errorf("max_output_tokens exceeds int32 range")
		}
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if p.googleSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if p.thinkingBudget != nil {
		budget := *p.thinkingBudget
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}

	return contents, config, nil
}

func normalizeProviderConfig(cfg ProviderConfig) (ProviderConfig, *int32, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.APIVersion = strings.TrimSpace(cfg.APIVersion)

	if cfg.APIKey == "" {
		return ProviderConfig{}, nil, fmt.Errorf("missing api_key")
	}
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return ProviderConfig{}, nil, fmt.Errorf("parse base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return ProviderConfig{}, nil, fmt.Errorf("parse base_url: must include scheme and host")
		}
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if !isValidAPIVersion(cfg.APIVersion) {
		return ProviderConfig{}, nil, fmt.Errorf("invalid api_version %q", cfg.APIVersion)
	}

	var budget *int32
	if cfg.ThinkingBudget != nil {
		if *cfg.ThinkingBudget < -1 || *cfg.ThinkingBudget > math.MaxInt32 {
			return ProviderConfig{}, nil, fmt.Errorf("thinking_budget out of range")
		}
		value := int32(*cfg.ThinkingBudget)
		budget = &value
	}

	return cfg, budget, nil
}

func isValidAPIVersion(raw string) bool {
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '-', '.', '_':
			continue
		default:
			return false
		}
	}

	return raw != ""
}

var _ kagura.LLMProvider = (*Provider)(nil)
