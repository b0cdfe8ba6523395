// Package patterns turns configured regular expressions into per-channel
// auto-replies.
package patterns

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"ex-kagura/pkg/kagura"
)

const (
	moduleName = "patterns"

	// EntriesKey holds the JSON list of auto-replies.
	EntriesKey = "patterns.entries"

	defaultCooldownSeconds = 30
)

// Entry is one configured auto-reply.
type Entry struct {
	// Name is the trigger name used for rate-limit buckets and metrics.
	Name string `json:"name"`
	// Channel restricts the trigger to one channel. Empty matches all.
	Channel string `json:"channel"`
	// Pattern is a regular expression matched against message text.
	Pattern string `json:"pattern"`
	// Reply is a text/template rendered with the sender and submatches.
	Reply string `json:"reply"`
	// Cooldown in seconds. Nil selects the default, zero disables limiting.
	Cooldown *int `json:"cooldown,omitempty"`
	// Scope is global, channel or user. Defaults to channel.
	Scope string `json:"scope,omitempty"`
	// Roles lists roles the sender must hold.
	Roles []string `json:"roles,omitempty"`
}

type replyData struct {
	User    string
	Channel string
	Text    string
	Match   []string
}

// Module contributes one pattern trigger per entry.
type Module struct{}

// New creates a patterns module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return moduleName
}

// Spec declares the entries setting.
func (m *Module) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{
		Description: "regular expression auto-replies",
		Dependencies: []kagura.Dependency{
			{Key: EntriesKey, Required: true},
		},
	}
}

// Configure compiles every entry into a pattern trigger.
func (m *Module) Configure(_ context.Context, values kagura.Values) (kagura.Contribution, error) {
	entries, ok, err := kagura.SettingValue[[]Entry](values, EntriesKey)
	if err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure patterns: %w", err)
	}
	if !ok {
		return kagura.Contribution{}, fmt.Errorf("configure patterns: %w: %s", kagura.ErrUnsatisfiedDependency, EntriesKey)
	}

	patterns := make([]kagura.PatternSpec, 0, len(entries))
	for index, entry := range entries {
		pattern, err := entry.pattern()
		if err != nil {
			return kagura.Contribution{}, fmt.Errorf("configure patterns entries[%d]: %w", index, err)
		}
		patterns = append(patterns, pattern)
	}

	return kagura.Contribution{Patterns: patterns}, nil
}

func (e Entry) pattern() (kagura.PatternSpec, error) {
	if strings.TrimSpace(e.Reply) == "" {
		return kagura.PatternSpec{}, fmt.Errorf("pattern %s: missing reply", e.Name)
	}
	parsed, err := template.New(e.Name).Option("missingkey=error").Parse(e.Reply)
	if err != nil {
		return kagura.PatternSpec{}, fmt.Errorf("pattern %s reply: %w", e.Name, err)
	}

	seconds := defaultCooldownSeconds
	if e.Cooldown != nil {
		seconds = *e.Cooldown
	}
	if seconds < 0 {
		return kagura.PatternSpec{}, fmt.Errorf("pattern %s: cooldown must be >= 0", e.Name)
	}
	var scopes []kagura.RateScope
	if seconds > 0 {
		rawScope := e.Scope
		if rawScope == "" {
			rawScope = string(kagura.RateScopePerChannel)
		}
		scope, err := kagura.ParseRateScope(rawScope)
		if err != nil {
			return kagura.PatternSpec{}, fmt.Errorf("pattern %s: %w", e.Name, err)
		}
		scopes = []kagura.RateScope{scope}
	}
	roles := make([]kagura.Role, 0, len(e.Roles))
	for _, role := range e.Roles {
		roles = append(roles, kagura.Role(role))
	}

	spec := kagura.PatternSpec{
		Channel:    kagura.ChannelID(e.Channel),
		Expression: e.Pattern,
		Command: kagura.CommandSpec{
			Name:          e.Name,
			Description:   "auto-reply",
			RequiredRoles: kagura.NewRoles(roles...),
			Cooldown:      time.Duration(seconds) * time.Second,
			Scopes:        scopes,
			Handler:       replyHandler(parsed),
		},
	}
	if _, err := spec.Compile(); err != nil {
		return kagura.PatternSpec{}, err
	}

	return spec, nil
}

func replyHandler(reply *template.Template) kagura.Handler {
	return kagura.HandlerFunc(func(ctx context.Context, call *kagura.Call) error {
		var rendered bytes.Buffer
		err := reply.Execute(&rendered, replyData{
			User:    call.Event.DisplayName(),
			Channel: string(call.Event.Channel),
			Text:    call.Event.Text,
			Match:   call.Match,
		})
		if err != nil {
			return fmt.Errorf("render pattern %s: %w", call.Command, err)
		}
		text := strings.TrimSpace(rendered.String())
		if text == "" {
			return nil
		}
		if err := call.Reply(ctx, text); err != nil {
			return fmt.Errorf("pattern %s reply: %w", call.Command, err)
		}

		return nil
	})
}

var _ kagura.Module = (*Module)(nil)
