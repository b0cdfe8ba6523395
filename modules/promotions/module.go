// Package promotions posts cron-scheduled messages to connector channels.
package promotions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"ex-kagura/pkg/kagura"
)

const (
	moduleName = "promotions"

	// EntriesKey holds the JSON list of scheduled promotions.
	EntriesKey = "promotions.entries"

	defaultInterval = 15 * time.Second
	maxListed       = 5
)

// Entry is one scheduled promotion.
type Entry struct {
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	Connector string `json:"connector"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
}

// Validate checks entry fields and the cron expression.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("missing name")
	}
	if !gronx.New().IsValid(e.Schedule) {
		return fmt.Errorf("promotion %s: invalid schedule %q", e.Name, e.Schedule)
	}
	if strings.TrimSpace(e.Connector) == "" || strings.TrimSpace(e.Channel) == "" {
		return fmt.Errorf("promotion %s: missing destination", e.Name)
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("promotion %s: missing text", e.Name)
	}

	return nil
}

// Option mutates module configuration.
type Option func(*Module)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Module) {
		if now != nil {
			m.now = now
		}
	}
}

// WithInterval overrides how often schedules are evaluated.
func WithInterval(interval time.Duration) Option {
	return func(m *Module) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// Module fires promotions whose schedule is due.
type Module struct {
	now      func() time.Time
	interval time.Duration
	logger   *slog.Logger
	replier  kagura.Replier

	mu      sync.Mutex
	entries []Entry
	fired   map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a promotions module.
func New(options ...Option) *Module {
	module := &Module{
		now:      time.Now,
		interval: defaultInterval,
		logger:   slog.Default(),
		fired:    make(map[string]time.Time),
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

// Spec declares the schedule list.
func (m *Module) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{
		Description: "scheduled channel promotions",
		Dependencies: []kagura.Dependency{
			{Key: EntriesKey, Required: true},
		},
	}
}

// OnRegister binds the outbound replier.
func (m *Module) OnRegister(_ context.Context, runtime kagura.ModuleRuntime) error {
	if runtime.Replier() == nil {
		return fmt.Errorf("promotions register: replier not configured")
	}
	m.replier = runtime.Replier()
	m.logger = runtime.Logger()

	return nil
}

// Configure replaces the schedule list.
func (m *Module) Configure(_ context.Context, values kagura.Values) (kagura.Contribution, error) {
	entries, ok, err := kagura.SettingValue[[]Entry](values, EntriesKey)
	if err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure promotions: %w", err)
	}
	if !ok {
		return kagura.Contribution{}, fmt.Errorf("configure promotions: %w: %s", kagura.ErrUnsatisfiedDependency, EntriesKey)
	}
	seen := make(map[string]struct{}, len(entries))
	for index, entry := range entries {
		if err := entry.Validate(); err != nil {
			return kagura.Contribution{}, fmt.Errorf("configure promotions entries[%d]: %w", index, err)
		}
		if _, exists := seen[entry.Name]; exists {
			return kagura.Contribution{}, fmt.Errorf("configure promotions: duplicate name %s", entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}

	m.mu.Lock()
	m.entries = entries
	for name := range m.fired {
		if _, keep := seen[name]; !keep {
			delete(m.fired, name)
		}
	}
	m.mu.Unlock()

	return kagura.Contribution{
		Commands: []kagura.CommandSpec{
			{
				Name:          "promotions",
				Description:   "list upcoming promotions",
				RequiredRoles: kagura.NewRoles(kagura.RoleModerator),
				Handler:       kagura.HandlerFunc(m.handleList),
			},
		},
	}, nil
}

// OnStart launches the schedule loop. The loop outlives the hook context and
// stops in OnShutdown.
func (m *Module) OnStart(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx)

	return nil
}

// OnShutdown stops the schedule loop.
func (m *Module) OnShutdown(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("promotions shutdown: %w", ctx.Err())
	}
}

func (m *Module) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, m.now())
		}
	}
}

// tick sends every promotion due at now, at most once per minute.
func (m *Module) tick(ctx context.Context, now time.Time) int {
	minute := now.Truncate(time.Minute)
	gron := gronx.New()

	m.mu.Lock()
	due := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		if last, ok := m.fired[entry.Name]; ok && last.Equal(minute) {
			continue
		}
		isDue, err := gron.IsDue(entry.Schedule, minute)
		if err != nil || !isDue {
			continue
		}
		m.fired[entry.Name] = minute
		due = append(due, entry)
	}
	m.mu.Unlock()

	sent := 0
	for _, entry := range due {
		err := m.replier.Reply(ctx, kagura.ConnectorID(entry.Connector), kagura.ChannelID(entry.Channel), entry.Text)
		if err != nil {
			m.logger.WarnContext(ctx, "promotion send failed",
				"promotion", entry.Name,
				"connector", entry.Connector,
				"channel", entry.Channel,
				"error", err,
			)
			continue
		}
		sent++
	}

	return sent
}

func (m *Module) handleList(ctx context.Context, call *kagura.Call) error {
	now := m.now()

	m.mu.Lock()
	entries := append([]Entry(nil), m.entries...)
	m.mu.Unlock()

	type upcoming struct {
		name string
		next time.Time
	}
	scheduled := make([]upcoming, 0, len(entries))
	for _, entry := range entries {
		next, err := gronx.NextTickAfter(entry.Schedule, now, false)
		if err != nil {
			continue
		}
		scheduled = append(scheduled, upcoming{name: entry.Name, next: next})
	}
	if len(scheduled) == 0 {
		return reply(ctx, call, "No promotions scheduled.")
	}
	sort.Slice(scheduled, func(i, j int) bool {
		if scheduled[i].next.Equal(scheduled[j].next) {
			return scheduled[i].name < scheduled[j].name
		}
		return scheduled[i].next.Before(scheduled[j].next)
	})
	if len(scheduled) > maxListed {
		scheduled = scheduled[:maxListed]
	}

	parts := make([]string, 0, len(scheduled))
	for _, item := range scheduled {
		parts = append(parts, item.name+" at "+item.next.UTC().Format("Jan 2 15:04 MST"))
	}

	return reply(ctx, call, "Next promotions: "+strings.Join(parts, ", "))
}

func reply(ctx context.Context, call *kagura.Call, text string) error {
	if err := call.Reply(ctx, text); err != nil {
		return fmt.Errorf("promotions reply: %w", err)
	}

	return nil
}

var (
	_ kagura.Module          = (*Module)(nil)
	_ kagura.ModuleRegistrar = (*Module)(nil)
	_ kagura.ModuleStarter   = (*Module)(nil)
	_ kagura.ModuleStopper   = (*Module)(nil)
)
