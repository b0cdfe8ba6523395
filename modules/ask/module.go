// Package ask forwards !ask questions to a configured LLM provider.
package ask

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"ex-kagura/pkg/kagura"
)

const (
	moduleName = "ask"

	// ProviderKey names the LLM provider profile.
	ProviderKey = "ask.provider"
	// ModelKey names the provider model.
	ModelKey = "ask.model"
	// SystemPromptKey optionally overrides the system prompt.
	SystemPromptKey = "ask.system_prompt"
	// MaxOutputTokensKey optionally bounds answer length.
	MaxOutputTokensKey = "ask.max_output_tokens"

	defaultSystemPrompt = "You answer questions from a live chat. Reply in one or two short sentences of plain text."
	defaultMaxTokens    = 200
	answerTTL           = 5 * time.Minute
	askCooldown         = 15 * time.Second
	maxReplyLength      = 450
)

type config struct {
	registry     kagura.LLMProviderRegistry
	provider     string
	model        string
	systemPrompt string
	maxTokens    int
}

// Module answers !ask <question>.
type Module struct {
	mu  sync.RWMutex
	cfg config
}

// New creates an ask module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return moduleName
}

// Spec declares the LLM registry and provider settings.
func (m *Module) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{
		Description: "LLM answers",
		Dependencies: []kagura.Dependency{
			{Key: kagura.ServiceLLMProviderRegistry, Required: true},
			{Key: ProviderKey, Required: true},
			{Key: ModelKey, Required: true},
			{Key: SystemPromptKey},
			{Key: MaxOutputTokensKey},
		},
	}
}

// Configure resolves the provider settings.
func (m *Module) Configure(_ context.Context, values kagura.Values) (kagura.Contribution, error) {
	cfg, err := parseConfig(values)
	if err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure ask: %w", err)
	}
	if _, err := cfg.registry.Resolve(cfg.provider); err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure ask: %w", err)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	return kagura.Contribution{
		Commands: []kagura.CommandSpec{
			{
				Name:        "ask",
				Description: "ask the bot a question",
				Usage:       "<question>",
				Cooldown:    askCooldown,
				Scopes:      []kagura.RateScope{kagura.RateScopePerUser},
				Handler:     kagura.HandlerFunc(m.handleCommand),
			},
		},
	}, nil
}

func parseConfig(values kagura.Values) (config, error) {
	registry, ok := kagura.ValueAs[kagura.LLMProviderRegistry](values, kagura.ServiceLLMProviderRegistry)
	if !ok {
		return config{}, fmt.Errorf("%w: %s", kagura.ErrUnsatisfiedDependency, kagura.ServiceLLMProviderRegistry)
	}

	cfg := config{
		registry:     registry,
		systemPrompt: defaultSystemPrompt,
		maxTokens:    defaultMaxTokens,
	}
	for key, target := range map[string]*string{ProviderKey: &cfg.provider, ModelKey: &cfg.model} {
		value, _, err := kagura.SettingValue[string](values, key)
		if err != nil {
			return config{}, err
		}
		if strings.TrimSpace(value) == "" {
			return config{}, fmt.Errorf("%w: %s", kagura.ErrUnsatisfiedDependency, key)
		}
		*target = strings.TrimSpace(value)
	}

	prompt, ok, err := kagura.SettingValue[string](values, SystemPromptKey)
	if err != nil {
		return config{}, err
	}
	if ok && strings.TrimSpace(prompt) != "" {
		cfg.systemPrompt = strings.TrimSpace(prompt)
	}
	maxTokens, ok, err := kagura.SettingValue[int](values, MaxOutputTokensKey)
	if err != nil {
		return config{}, err
	}
	if ok {
		if maxTokens <= 0 {
			return config{}, fmt.Errorf("%s must be > 0", MaxOutputTokensKey)
		}
		cfg.maxTokens = maxTokens
	}

	return cfg, nil
}

func (m *Module) handleCommand(ctx context.Context, call *kagura.Call) error {
	question := strings.TrimSpace(call.Rest)
	if question == "" {
		if err := call.Reply(ctx, "Usage: "+call.Invoked+" <question>"); err != nil {
			return fmt.Errorf("ask reply usage: %w", err)
		}
		return nil
	}

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	if cfg.registry == nil {
		return fmt.Errorf("ask handle command: module not configured")
	}

	answer, err := kagura.FetchAs(ctx, call.Cache, cacheKey(cfg, question), answerTTL, func(ctx context.Context) (string, error) {
		provider, err := cfg.registry.Resolve(cfg.provider)
		if err != nil {
			return "", err
		}
		response, err := provider.Generate(ctx, kagura.LLMGenerateRequest{
			Model: cfg.model,
			Messages: []kagura.LLMMessage{
				{Role: kagura.LLMMessageRoleSystem, Content: cfg.systemPrompt},
				{Role: kagura.LLMMessageRoleUser, Content: question},
			},
			MaxOutputTokens: cfg.maxTokens,
		})
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(response.Text) == "" {
			return "", fmt.Errorf("empty answer")
		}

		return response.Text, nil
	})
	if err != nil {
		return fmt.Errorf("ask generate: %w", err)
	}

	if err := call.Reply(ctx, formatReply(call.Event.DisplayName(), answer)); err != nil {
		return fmt.Errorf("ask reply: %w", err)
	}

	return nil
}

// cacheKey coalesces identical questions per provider, model and prompt.
func cacheKey(cfg config, question string) string {
	hasher := blake3.New()
	for _, part := range []string{cfg.provider, cfg.model, cfg.systemPrompt, strings.ToLower(question)} {
		_, _ = hasher.WriteString(part)
		_, _ = hasher.Write([]byte{0})
	}

	return "ask:" + hex.EncodeToString(hasher.Sum(nil))
}

func formatReply(name string, answer string) string {
	text := "@" + name + " " + strings.Join(strings.Fields(answer), " ")
	runes := []rune(text)
	if len(runes) <= maxReplyLength {
		return text
	}

	return string(runes[:maxReplyLength-3]) + "..."
}

var _ kagura.Module = (*Module)(nil)
