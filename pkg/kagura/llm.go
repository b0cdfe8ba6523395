package kagura

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// LLMProviderRegistry looks up a provider by profile name. Implementations
// are shared by concurrent handlers.
type LLMProviderRegistry interface {
	Resolve(provider string) (LLMProvider, error)
}

// LLMProvider turns a prompt into one reply.
type LLMProvider interface {
	Generate(ctx context.Context, req LLMGenerateRequest) (LLMGenerateResponse, error)
}

// LLMMessageRole is the author of one prompt message.
type LLMMessageRole string

// Supported message roles.
const (
	LLMMessageRoleSystem    LLMMessageRole = "system"
	LLMMessageRoleUser      LLMMessageRole = "user"
	LLMMessageRoleAssistant LLMMessageRole = "assistant"
)

// Validate rejects roles providers cannot map.
func (r LLMMessageRole) Validate() error {
	if r != LLMMessageRoleSystem && r != LLMMessageRoleUser && r != LLMMessageRoleAssistant {
		return fmt.Errorf("unsupported role %q", r)
	}

	return nil
}

// LLMMessage is one prompt message.
type LLMMessage struct {
	Role    LLMMessageRole
	Content string
}

// LLMGenerateRequest is one prompt for a provider. Zero MaxOutputTokens and
// Temperature leave the provider defaults in place.
type LLMGenerateRequest struct {
	Model           string
	Messages        []LLMMessage
	MaxOutputTokens int
	Temperature     float64
}

// Validate reports every problem with the request at once.
func (r LLMGenerateRequest) Validate() error {
	var problems []error
	if strings.TrimSpace(r.Model) == "" {
		problems = append(problems, errors.New("missing model"))
	}
	if len(r.Messages) == 0 {
		problems = append(problems, errors.New("missing messages"))
	}
	for index, message := range r.Messages {
		if err := message.Role.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("messages[%d]: %w", index, err))
		}
		if strings.TrimSpace(message.Content) == "" {
			problems = append(problems, fmt.Errorf("messages[%d]: missing content", index))
		}
	}
	if r.MaxOutputTokens < 0 {
		problems = append(problems, errors.New("max_output_tokens must be >= 0"))
	}
	if r.Temperature < 0 {
		problems = append(problems, errors.New("temperature must be >= 0"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("validate llm request: %w", errors.Join(problems...))
	}

	return nil
}

// SystemPrompt joins the system messages with blank lines.
func (r LLMGenerateRequest) SystemPrompt() string {
	var parts []string
	for _, message := range r.Messages {
		if message.Role == LLMMessageRoleSystem {
			parts = append(parts, message.Content)
		}
	}

	return strings.Join(parts, "\n\n")
}

// LLMGenerateResponse is the provider's reply text.
type LLMGenerateResponse struct {
	Text string
}
