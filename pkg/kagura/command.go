package kagura

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// RateScope identifies which bucket family a command withdraws from.
type RateScope string

const (
	// RateScopeGlobal shares one bucket per command across all channels.
	RateScopeGlobal RateScope = "global"
	// RateScopePerChannel keeps one bucket per command and channel.
	RateScopePerChannel RateScope = "per_channel"
	// RateScopePerUser keeps one bucket per command, channel and sender.
	RateScopePerUser RateScope = "per_user"
)

// Validate checks whether one scope is supported.
func (s RateScope) Validate() error {
	switch s {
	case RateScopeGlobal, RateScopePerChannel, RateScopePerUser:
		return nil
	default:
		return fmt.Errorf("validate rate scope: unsupported scope %q", s)
	}
}

// ParseRateScope parses one configured scope name.
func ParseRateScope(raw string) (RateScope, error) {
	scope := RateScope(strings.ToLower(strings.TrimSpace(raw)))
	switch scope {
	case "channel":
		scope = RateScopePerChannel
	case "user":
		scope = RateScopePerUser
	}
	if err := scope.Validate(); err != nil {
		return "", err
	}

	return scope, nil
}

// CommandSpec declares one command contributed by a module.
type CommandSpec struct {
	// Name is the canonical invocation token.
	Name string
	// Aliases are additional invocation tokens resolving to the same command.
	Aliases []string
	// Description is shown by help listings.
	Description string
	// Usage is a short argument synopsis shown by help listings.
	Usage string
	// RequiredRoles must all be held by the sender.
	RequiredRoles Roles
	// Cooldown is the time one full bucket takes to refill.
	//
	// A zero cooldown disables rate limiting for the command.
	Cooldown time.Duration
	// Capacity is the bucket burst size. Zero means one.
	Capacity int
	// Scopes lists every bucket family a dispatch must withdraw from.
	Scopes []RateScope
	// Needs lists injector keys the command cannot run without.
	Needs []string
	// Handler executes the command.
	Handler Handler
}

// Validate checks command specification coherence.
func (s CommandSpec) Validate() error {
	name := NormalizeCommandName(s.Name)
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCommand)
	}
	if !validCommandToken(name) {
		return fmt.Errorf("%w: name %q has invalid characters", ErrInvalidCommand, s.Name)
	}
	seen := map[string]struct{}{name: {}}
	for _, alias := range s.Aliases {
		normalized := NormalizeCommandName(alias)
		if normalized == "" || !validCommandToken(normalized) {
			return fmt.Errorf("%w: command %s alias %q is invalid", ErrInvalidCommand, name, alias)
		}
		if _, exists := seen[normalized]; exists {
			return fmt.Errorf("%w: command %s repeats token %s", ErrInvalidCommand, name, normalized)
		}
		seen[normalized] = struct{}{}
	}
	if s.Capacity < 0 {
		return fmt.Errorf("%w: command %s capacity must be >= 0", ErrInvalidCommand, name)
	}
	if s.Cooldown < 0 {
		return fmt.Errorf("%w: command %s cooldown must be >= 0", ErrInvalidCommand, name)
	}
	scopes := make(map[RateScope]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		if err := scope.Validate(); err != nil {
			return fmt.Errorf("%w: command %s: %w", ErrInvalidCommand, name, err)
		}
		if _, exists := scopes[scope]; exists {
			return fmt.Errorf("%w: command %s repeats scope %s", ErrInvalidCommand, name, scope)
		}
		scopes[scope] = struct{}{}
	}
	if s.Handler == nil {
		return fmt.Errorf("%w: command %s has nil handler", ErrInvalidCommand, name)
	}

	return nil
}

// Tokens returns the normalized name followed by normalized aliases.
func (s CommandSpec) Tokens() []string {
	tokens := make([]string, 0, len(s.Aliases)+1)
	tokens = append(tokens, NormalizeCommandName(s.Name))
	for _, alias := range s.Aliases {
		tokens = append(tokens, NormalizeCommandName(alias))
	}

	return tokens
}

// Limited reports whether dispatches consult the rate limiter.
func (s CommandSpec) Limited() bool {
	return s.Cooldown > 0 && len(s.Scopes) > 0
}

// BucketCapacity returns the effective burst size.
func (s CommandSpec) BucketCapacity() int {
	if s.Capacity <= 0 {
		return 1
	}

	return s.Capacity
}

// RefillRate returns tokens per second so one full bucket refills per cooldown.
func (s CommandSpec) RefillRate() float64 {
	if s.Cooldown <= 0 {
		return 0
	}

	return float64(s.BucketCapacity()) / s.Cooldown.Seconds()
}

// PatternSpec declares one regular-expression trigger.
//
// Patterns match ordinary (non-prefixed) messages and then go through the
// same permission and rate-limit pipeline as commands.
type PatternSpec struct {
	// Channel restricts the pattern to one channel. Empty matches every channel.
	Channel ChannelID
	// Expression is the regular expression matched against the message text.
	Expression string
	// Command carries the name, permissions, limits and handler.
	Command CommandSpec
}

// Compile validates the spec and compiles its expression.
func (p PatternSpec) Compile() (*regexp.Regexp, error) {
	if err := p.Command.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Expression) == "" {
		return nil, fmt.Errorf("%w: pattern %s has empty expression", ErrInvalidCommand, p.Command.Name)
	}
	compiled, err := regexp.Compile(p.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %s: %w", ErrInvalidCommand, p.Command.Name, err)
	}

	return compiled, nil
}

// Invocation is one parsed prefixed message.
type Invocation struct {
	// Token is the normalized invocation token.
	Token string
	// Rest is the trimmed text after the token.
	Rest string
	// Args are whitespace separated fields of Rest.
	Args []string
}

// ParseInvocation strips prefix from text and splits the invocation token.
//
// matched is false when text does not start with prefix or carries no token.
func ParseInvocation(text string, prefix string) (invocation Invocation, matched bool) {
	if prefix == "" {
		return Invocation{}, false
	}
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, prefix) {
		return Invocation{}, false
	}
	body := trimmed[len(prefix):]
	if body == "" || unicode.IsSpace(rune(body[0])) {
		return Invocation{}, false
	}

	token, rest := body, ""
	if end := strings.IndexFunc(body, unicode.IsSpace); end >= 0 {
		token, rest = body[:end], strings.TrimSpace(body[end:])
	}

	return Invocation{
		Token: NormalizeCommandName(token),
		Rest:  rest,
		Args:  strings.Fields(rest),
	}, true
}

// NormalizeCommandName lower-cases and trims one invocation token.
func NormalizeCommandName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func validCommandToken(token string) bool {
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}

	return true
}
