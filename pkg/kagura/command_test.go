package kagura

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseInvocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		text        string
		prefix      string
		wantMatched bool
		want        Invocation
	}{
		{
			name:        "command with arguments",
			text:        "!so streamerX",
			prefix:      "!",
			wantMatched: true,
			want:        Invocation{Token: "so", Rest: "streamerX", Args: []string{"streamerX"}},
		},
		{
			name:        "upper case token is normalized",
			text:        "  !ShoutOut   a  b ",
			prefix:      "!",
			wantMatched: true,
			want:        Invocation{Token: "shoutout", Rest: "a  b", Args: []string{"a", "b"}},
		},
		{
			name:        "token split on tab",
			text:        "!ping\tnow",
			prefix:      "!",
			wantMatched: true,
			want:        Invocation{Token: "ping", Rest: "now", Args: []string{"now"}},
		},
		{
			name:        "multi character prefix",
			text:        "bot:help",
			prefix:      "bot:",
			wantMatched: true,
			want:        Invocation{Token: "help"},
		},
		{
			name:   "ordinary chat",
			text:   "hello !so",
			prefix: "!",
		},
		{
			name:   "prefix alone",
			text:   "!",
			prefix: "!",
		},
		{
			name:   "prefix followed by space",
			text:   "! so",
			prefix: "!",
		},
		{
			name:   "empty prefix never matches",
			text:   "so",
			prefix: "",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, matched := ParseInvocation(testCase.text, testCase.prefix)
			if matched != testCase.wantMatched {
				t.Fatalf("matched = %v, want %v", matched, testCase.wantMatched)
			}
			if !matched {
				return
			}
			if diff := cmp.Diff(testCase.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("invocation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandSpecValidate(t *testing.T) {
	t.Parallel()

	noop := HandlerFunc(func(context.Context, *Call) error { return nil })

	tests := []struct {
		name          string
		spec          CommandSpec
		wantErrSubstr string
	}{
		{
			name: "valid limited command",
			spec: CommandSpec{
				Name:     "shoutout",
				Aliases:  []string{"so"},
				Cooldown: 30 * time.Second,
				Scopes:   []RateScope{RateScopePerChannel},
				Handler:  noop,
			},
		},
		{
			name:          "missing name",
			spec:          CommandSpec{Handler: noop},
			wantErrSubstr: "missing name",
		},
		{
			name:          "whitespace in name",
			spec:          CommandSpec{Name: "two words", Handler: noop},
			wantErrSubstr: "invalid characters",
		},
		{
			name:          "alias repeats name case-insensitively",
			spec:          CommandSpec{Name: "so", Aliases: []string{"SO"}, Handler: noop},
			wantErrSubstr: "repeats token",
		},
		{
			name:          "unknown scope",
			spec:          CommandSpec{Name: "so", Scopes: []RateScope{"room"}, Handler: noop},
			wantErrSubstr: "unsupported scope",
		},
		{
			name:          "duplicate scope",
			spec:          CommandSpec{Name: "so", Scopes: []RateScope{RateScopeGlobal, RateScopeGlobal}, Handler: noop},
			wantErrSubstr: "repeats scope",
		},
		{
			name:          "nil handler",
			spec:          CommandSpec{Name: "so"},
			wantErrSubstr: "nil handler",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.spec.Validate()
			if testCase.wantErrSubstr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", testCase.wantErrSubstr)
			}
			if !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("error = %v, want ErrInvalidCommand", err)
			}
			if !strings.Contains(err.Error(), testCase.wantErrSubstr) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstr)
			}
		})
	}
}

func TestCommandSpecBucketShape(t *testing.T) {
	t.Parallel()

	spec := CommandSpec{Name: "so", Cooldown: 30 * time.Second, Scopes: []RateScope{RateScopePerChannel}}
	if !spec.Limited() {
		t.Fatal("Limited() = false, want true")
	}
	if got := spec.BucketCapacity(); got != 1 {
		t.Fatalf("BucketCapacity() = %d, want 1", got)
	}
	if got, want := spec.RefillRate(), 1.0/30; got != want {
		t.Fatalf("RefillRate() = %v, want %v", got, want)
	}

	spec.Capacity = 3
	spec.Cooldown = time.Minute
	if got, want := spec.RefillRate(), 3.0/60; got != want {
		t.Fatalf("RefillRate() = %v, want %v", got, want)
	}

	unlimited := CommandSpec{Name: "ping", Scopes: []RateScope{RateScopeGlobal}}
	if unlimited.Limited() {
		t.Fatal("zero cooldown command reports Limited() = true")
	}
}

func TestParseRateScope(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]RateScope{
		"global":      RateScopeGlobal,
		"Per_Channel": RateScopePerChannel,
		"channel":     RateScopePerChannel,
		"user":        RateScopePerUser,
	} {
		got, err := ParseRateScope(raw)
		if err != nil {
			t.Fatalf("ParseRateScope(%q) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseRateScope(%q) = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseRateScope("galaxy"); err == nil {
		t.Fatal("ParseRateScope(galaxy) expected error")
	}
}

func TestPatternSpecCompile(t *testing.T) {
	t.Parallel()

	noop := HandlerFunc(func(context.Context, *Call) error { return nil })
	pattern := PatternSpec{
		Expression: `(?i)\bhello\b`,
		Command:    CommandSpec{Name: "greet", Handler: noop},
	}
	compiled, err := pattern.Compile()
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if !compiled.MatchString("well HELLO there") {
		t.Fatal("compiled pattern does not match")
	}

	pattern.Expression = "("
	if _, err := pattern.Compile(); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("Compile() error = %v, want ErrInvalidCommand", err)
	}
}
