// Package script loads JavaScript command handlers.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ex-kagura/pkg/kagura"
)

const (
	// ModuleName is the registry name of the scripting bridge.
	ModuleName = "scripts"
	// RevisionKey is bumped whenever the script directory changes.
	RevisionKey = "scripts.revision"
	// BudgetKey is the setting overriding the invocation budget.
	BudgetKey = "scripts.budget"

	defaultBudget       = 2 * time.Second
	defaultFetchTimeout = 5 * time.Second
	maxFetchBody        = 1 << 20
)

// Bridge is the module exposing every script in one directory.
type Bridge struct {
	dir    string
	budget time.Duration
	client *http.Client
	logger *slog.Logger
}

// Option mutates bridge construction.
type Option func(*Bridge)

// WithBudget sets the default invocation budget.
func WithBudget(budget time.Duration) Option {
	return func(b *Bridge) {
		if budget > 0 {
			b.budget = budget
		}
	}
}

// WithHTTPClient sets the client used by fetch().
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bridge) {
		if client != nil {
			b.client = client
		}
	}
}

// WithLogger configures bridge logging.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bridge over dir.
func New(dir string, options ...Option) (*Bridge, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("new script bridge: empty directory")
	}

	bridge := &Bridge{
		dir:    dir,
		budget: defaultBudget,
		client: &http.Client{Timeout: defaultFetchTimeout},
		logger: slog.Default(),
	}
	for _, option := range options {
		option(bridge)
	}

	return bridge, nil
}

// Name returns the module name.
func (b *Bridge) Name() string {
	return ModuleName
}

// Spec declares the reload trigger and budget setting.
func (b *Bridge) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{
		Description: "JavaScript commands loaded from " + b.dir,
		Dependencies: []kagura.Dependency{
			{Key: RevisionKey},
			{Key: BudgetKey},
		},
	}
}

// OnRegister adopts the module-scoped logger.
func (b *Bridge) OnRegister(_ context.Context, runtime kagura.ModuleRuntime) error {
	b.logger = runtime.Logger()
	return nil
}

// Configure reloads every script. A script that fails to load is skipped and
// logged; the rest still register.
func (b *Bridge) Configure(ctx context.Context, values kagura.Values) (kagura.Contribution, error) {
	budget := b.budget
	raw, ok, err := kagura.SettingValue[string](values, BudgetKey)
	if err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure scripts: %w", err)
	}
	if ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return kagura.Contribution{}, fmt.Errorf("configure scripts: invalid %s %q", BudgetKey, raw)
		}
		budget = parsed
	}

	paths, err := b.scriptPaths()
	if err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure scripts: %w", err)
	}

	var contribution kagura.Contribution
	seen := make(map[string]string)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return kagura.Contribution{}, fmt.Errorf("configure scripts: %w", err)
		}
		loaded, err := b.load(path, budget)
		if err != nil {
			b.logger.Error("script load failed", "script", filepath.Base(path), "error", err)
			continue
		}
		if owner, conflict := firstConflict(loaded, seen); conflict != "" {
			b.logger.Error("script skipped",
				"script", filepath.Base(path),
				"error", fmt.Errorf("%w: token %s already registered by %s", kagura.ErrConflict, conflict, owner),
			)
			continue
		}
		for _, command := range loaded.commands {
			for _, token := range command.Tokens() {
				seen[token] = filepath.Base(path)
			}
			contribution.Commands = append(contribution.Commands, command)
		}
	}

	return contribution, nil
}

func (b *Bridge) scriptPaths() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read script directory %s: %w", b.dir, err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		paths = append(paths, filepath.Join(b.dir, entry.Name()))
	}
	sort.Strings(paths)

	return paths, nil
}

func firstConflict(loaded *script, seen map[string]string) (owner string, token string) {
	for _, command := range loaded.commands {
		for _, candidate := range command.Tokens() {
			if existing, ok := seen[candidate]; ok {
				return existing, candidate
			}
		}
	}

	return "", ""
}

var (
	_ kagura.Module          = (*Bridge)(nil)
	_ kagura.ModuleRegistrar = (*Bridge)(nil)
)
