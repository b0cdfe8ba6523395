// Package anthropic adapts the Anthropic Messages API to kagura.LLMProvider.
package anthropic

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"ex-kagura/pkg/kagura"
)

const defaultMaxTokens = 1024

// ProviderConfig configures one Anthropic-backed provider instance.
type ProviderConfig struct {
	// APIKey is the credential used to authenticate requests.
	APIKey string
	// BaseURL optionally overrides the Anthropic endpoint.
	BaseURL string
	// MaxRetries optionally overrides the SDK retry count.
	MaxRetries *int
}

// Provider is a kagura LLM provider backed by Anthropic Messages.
type Provider struct {
	messages messagesClient
}

type messagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// New builds one Anthropic provider instance.
func New(cfg ProviderConfig) (*Provider, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("new anthropic provider: missing api_key")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("new anthropic provider: parse base_url: must include scheme and host")
		}
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries != nil {
		if *cfg.MaxRetries < 0 {
			return nil, fmt.Errorf("new anthropic provider: max_retries must be >= 0")
		}
		options = append(options, option.WithMaxRetries(*cfg.MaxRetries))
	}

	client := anthropic.NewClient(options...)
	service := client.Messages

	return &Provider{messages: &service}, nil
}

// Generate sends one Messages request and joins the returned text blocks.
func (p *Provider) Generate(ctx context.Context, req kagura.LLMGenerateRequest) (kagura.LLMGenerateResponse, error) {
	if p == nil || p.messages == nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("anthropic generate: nil provider")
	}
	if err := req.Validate(); err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("anthropic generate validate request: %w", err)
	}

	params, err := mapGenerateRequest(req)
	if err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("anthropic generate map request: %w", err)
	}

	message, err := p.messages.New(ctx, params)
	if err != nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("anthropic generate: %w", err)
	}
	if message == nil {
		return kagura.LLMGenerateResponse{}, fmt.Errorf("anthropic generate: empty response")
	}

	var text strings.Builder
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(textBlock.Text)
		}
	}

	return kagura.LLMGenerateResponse{Text: strings.TrimSpace(text.String())}, nil
}

func mapGenerateRequest(req kagura.LLMGenerateRequest) (anthropic.MessageNewParams, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for index, message := range req.Messages {
		switch message.Role {
		case kagura.LLMMessageRoleSystem:
			continue
		case kagura.LLMMessageRoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message.Content)))
		case kagura.LLMMessageRoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(message.Content)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("messages[%d] role: unsupported role %q", index, message.Role)
		}
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("missing non-system messages")
	}

	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params, nil
}

var _ kagura.LLMProvider = (*Provider)(nil)
