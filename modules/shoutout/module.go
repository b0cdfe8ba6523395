// Package shoutout implements !so, which promotes another streamer.
package shoutout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"ex-kagura/pkg/kagura"
)

const (
	moduleName = "shoutout"

	// TemplateKey holds the reply template.
	TemplateKey = "shoutout.template"
	// LookupURLKey holds an optional profile lookup URL containing {user}.
	LookupURLKey = "shoutout.lookup_url"
	// LookupFieldKey holds the gjson path read from the lookup response.
	LookupFieldKey = "shoutout.lookup_field"

	defaultTemplate    = "Go check out {{.User}}!{{if .Detail}} They were last seen playing {{.Detail}}.{{end}}"
	defaultLookupField = "game"
	defaultCooldown    = 30 * time.Second
	lookupTTL          = 10 * time.Minute
	lookupTimeout      = 5 * time.Second
	maxLookupBody      = 64 << 10
)

type templateData struct {
	User    string
	Channel string
	Sender  string
	Detail  string
}

type config struct {
	template  *template.Template
	lookupURL string
	field     string
}

// Module answers !shoutout <user> and !so <user>.
type Module struct {
	client *http.Client
	logger *slog.Logger

	mu  sync.RWMutex
	cfg config
}

// Option mutates module construction.
type Option func(*Module)

// WithHTTPClient sets the lookup client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Module) {
		if client != nil {
			m.client = client
		}
	}
}

// New creates a shoutout module.
func New(options ...Option) *Module {
	module := &Module{
		client: &http.Client{Timeout: lookupTimeout},
		logger: slog.Default(),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return moduleName
}

// Spec declares the optional template and lookup settings.
func (m *Module) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{
		Description: "moderator shoutouts",
		Dependencies: []kagura.Dependency{
			{Key: TemplateKey},
			{Key: LookupURLKey},
			{Key: LookupFieldKey},
		},
	}
}

// OnRegister adopts the module logger.
func (m *Module) OnRegister(_ context.Context, runtime kagura.ModuleRuntime) error {
	m.logger = runtime.Logger()
	return nil
}

// Configure parses the current settings and contributes the command.
func (m *Module) Configure(_ context.Context, values kagura.Values) (kagura.Contribution, error) {
	cfg, err := parseConfig(values)
	if err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure shoutout: %w", err)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	return kagura.Contribution{
		Commands: []kagura.CommandSpec{
			{
				Name:          "shoutout",
				Aliases:       []string{"so"},
				Description:   "promote another streamer",
				Usage:         "<user>",
				RequiredRoles: kagura.NewRoles(kagura.RoleModerator),
				Cooldown:      defaultCooldown,
				Scopes:        []kagura.RateScope{kagura.RateScopePerChannel},
				Handler:       kagura.HandlerFunc(m.handleCommand),
			},
		},
	}, nil
}

func parseConfig(values kagura.Values) (config, error) {
	raw, ok, err := kagura.SettingValue[string](values, TemplateKey)
	if err != nil {
		return config{}, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultTemplate
	}
	parsed, err := template.New("shoutout").Option("missingkey=error").Parse(raw)
	if err != nil {
		return config{}, fmt.Errorf("parse %s: %w", TemplateKey, err)
	}

	lookupURL, _, err := kagura.SettingValue[string](values, LookupURLKey)
	if err != nil {
		return config{}, err
	}
	lookupURL = strings.TrimSpace(lookupURL)
	if lookupURL != "" {
		if !strings.Contains(lookupURL, "{user}") {
			return config{}, fmt.Errorf("%s must contain {user}", LookupURLKey)
		}
		sample, err := url.Parse(strings.ReplaceAll(lookupURL, "{user}", "sample"))
		if err != nil || (sample.Scheme != "http" && sample.Scheme != "https") {
			return config{}, fmt.Errorf("%s must be an http(s) URL", LookupURLKey)
		}
	}

	field, _, err := kagura.SettingValue[string](values, LookupFieldKey)
	if err != nil {
		return config{}, err
	}
	if strings.TrimSpace(field) == "" {
		field = defaultLookupField
	}

	return config{template: parsed, lookupURL: lookupURL, field: field}, nil
}

func (m *Module) handleCommand(ctx context.Context, call *kagura.Call) error {
	target := normalizeUser(call.Arg(0))
	if target == "" {
		if err := call.Reply(ctx, "Usage: "+call.Invoked+" <user>"); err != nil {
			return fmt.Errorf("shoutout reply usage: %w", err)
		}
		return nil
	}

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	if cfg.template == nil {
		return fmt.Errorf("shoutout handle command: module not configured")
	}

	data := templateData{
		User:    target,
		Channel: string(call.Event.Channel),
		Sender:  call.Event.DisplayName(),
	}
	if cfg.lookupURL != "" {
		detail, err := m.lookup(ctx, call.Cache, cfg, target)
		if err != nil {
			m.logger.Warn("shoutout lookup failed", "user", target, "error", err)
		}
		data.Detail = detail
	}

	var rendered bytes.Buffer
	if err := cfg.template.Execute(&rendered, data); err != nil {
		return fmt.Errorf("shoutout render: %w", err)
	}
	if err := call.Reply(ctx, strings.TrimSpace(rendered.String())); err != nil {
		return fmt.Errorf("shoutout reply: %w", err)
	}

	return nil
}

// lookup fetches the profile document through the fetch cache and extracts
// the configured field.
func (m *Module) lookup(ctx context.Context, cache kagura.Fetcher, cfg config, user string) (string, error) {
	target := strings.ReplaceAll(cfg.lookupURL, "{user}", url.PathEscape(user))
	body, err := kagura.FetchAs(ctx, cache, "shoutout:"+target, lookupTTL, func(ctx context.Context) (string, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		response, err := m.client.Do(request)
		if err != nil {
			return "", err
		}
		defer response.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(response.Body, maxLookupBody))
		if err != nil {
			return "", err
		}
		if response.StatusCode != http.StatusOK {
			return "", fmt.Errorf("status %d", response.StatusCode)
		}
		if !gjson.ValidBytes(payload) {
			return "", fmt.Errorf("invalid json body")
		}

		return string(payload), nil
	})
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", user, err)
	}

	return strings.TrimSpace(gjson.Get(body, cfg.field).String()), nil
}

func normalizeUser(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}

var (
	_ kagura.Module          = (*Module)(nil)
	_ kagura.ModuleRegistrar = (*Module)(nil)
)
