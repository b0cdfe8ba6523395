package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ex-kagura/internal/inject"
	"ex-kagura/pkg/kagura"
)

// ModuleState is the lifecycle state of one registered module.
type ModuleState string

const (
	// ModulePending modules wait for a required value they never had.
	ModulePending ModuleState = "pending"
	// ModuleActive modules have their triggers installed.
	ModuleActive ModuleState = "active"
	// ModuleDegraded modules lost a required value and wait for its return.
	ModuleDegraded ModuleState = "degraded"
	// ModuleDisabled modules were switched off through settings.
	ModuleDisabled ModuleState = "disabled"
	// ModuleDestroyed modules were removed from the registry.
	ModuleDestroyed ModuleState = "destroyed"
)

var moduleStates = []string{
	string(ModulePending),
	string(ModuleActive),
	string(ModuleDegraded),
	string(ModuleDisabled),
	string(ModuleDestroyed),
}

// ModuleSnapshot is a read-only view of one module.
type ModuleSnapshot struct {
	Name        string
	Description string
	State       ModuleState
	Commands    []string
	Patterns    int
	Missing     []string
}

// moduleRecord tracks one registered module.
//
// values is owned by the module's watcher goroutine after registration.
// state, triggers, live, degradedAt, constructed and started are guarded by
// the registry lock.
type moduleRecord struct {
	name         string
	module       kagura.Module
	spec         kagura.ModuleSpec
	runtime      *moduleRuntime
	subscription *inject.Subscription
	values       kagura.Values

	state      ModuleState
	triggers   moduleTriggers
	live       *atomic.Bool
	degradedAt time.Time
	missing    []string

	constructed bool
	started     bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns module lifetimes and the command table they contribute.
type Registry struct {
	cfg      config
	injector *inject.Injector
	runtime  func(name string) *moduleRuntime

	mu      sync.Mutex
	records map[string]*moduleRecord
	order   []string
	running bool
	table   atomic.Pointer[commandTable]
}

func newRegistry(cfg config, injector *inject.Injector, runtime func(name string) *moduleRuntime) *Registry {
	registry := &Registry{
		cfg:      cfg,
		injector: injector,
		runtime:  runtime,
		records:  make(map[string]*moduleRecord),
	}
	registry.table.Store(emptyTable)

	return registry
}

// Register validates, constructs and installs module.
//
// A required dependency missing at registration fails with
// ErrUnsatisfiedDependency and contributes nothing; the module stays pending
// and is constructed once every required key has been provided. A command
// whose token another module already owns is rejected and logged while the
// module's other commands are installed.
func (r *Registry) Register(ctx context.Context, module kagura.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := strings.TrimSpace(module.Name())
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	if r.registered(name) {
		return fmt.Errorf("register module %s: %w", name, kagura.ErrConflict)
	}

	hookCtx, cancel := context.WithTimeout(ctx, r.cfg.moduleHookTimeout)
	defer cancel()

	keys := make([]string, 0, len(spec.Dependencies)+1)
	for _, dependency := range spec.Dependencies {
		keys = append(keys, dependency.Key)
	}
	keys = append(keys, kagura.ModuleEnabledKey(name))
	subscription := r.injector.Subscribe(keys...)

	record := &moduleRecord{
		name:         name,
		module:       module,
		spec:         spec,
		runtime:      r.runtime(name),
		subscription: subscription,
		values:       make(kagura.Values, len(keys)),
		live:         &atomic.Bool{},
		done:         make(chan struct{}),
	}
	for pending := subscription.Pending(); pending > 0; pending-- {
		value, err := subscription.Next(hookCtx)
		if err != nil {
			subscription.Close()
			return fmt.Errorf("register module %s: %w", name, err)
		}
		record.values[value.Key] = value
	}

	if missing := missingValues(spec, record.values); len(missing) > 0 {
		record.state = ModulePending
		record.missing = missing
		if err := r.insert(record, moduleTriggers{}); err != nil {
			subscription.Close()
			return err
		}
		r.cfg.logger.Warn("module waiting for dependencies", "module", name, "missing", missing)
		go r.watch(record)

		return fmt.Errorf(
			"register module %s: missing %s: %w",
			name,
			strings.Join(missing, ","),
			kagura.ErrUnsatisfiedDependency,
		)
	}

	if err := r.construct(hookCtx, record); err != nil {
		subscription.Close()
		return fmt.Errorf("register module %s: %w", name, err)
	}
	record.state = ModuleDisabled
	triggers := moduleTriggers{}
	if moduleEnabled(record.values, name) {
		configured, err := r.configure(hookCtx, record)
		if err != nil {
			subscription.Close()
			return fmt.Errorf("register module %s: %w", name, err)
		}
		record.state = ModuleActive
		triggers = configured
	}
	if err := r.insert(record, triggers); err != nil {
		subscription.Close()
		return err
	}

	r.cfg.logger.Info("module registered", "module", name, "state", record.state, "commands", len(triggers.commands))
	if r.claimStart(record) {
		r.startLate(record)
	}
	go r.watch(record)

	return nil
}

// insert adds a new record and installs its triggers when it is active.
func (r *Registry) insert(record *moduleRecord, triggers moduleTriggers) error {
	r.mu.Lock()
	if _, exists := r.records[record.name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register module %s: %w", record.name, kagura.ErrConflict)
	}
	var rejected []rejectedCommand
	if record.state == ModuleActive {
		record.live.Store(true)
		rejected = r.swapLocked(record, triggers, record.live)
	}
	record.triggers = triggers
	record.ctx, record.cancel = context.WithCancel(context.Background())
	r.records[record.name] = record
	r.order = append(r.order, record.name)
	state := record.state
	r.mu.Unlock()

	r.logRejected(record.name, rejected)
	r.cfg.metrics.ModuleState(record.name, string(state), moduleStates)

	return nil
}

// construct runs OnRegister once per module.
func (r *Registry) construct(ctx context.Context, record *moduleRecord) error {
	if registrar, ok := record.module.(kagura.ModuleRegistrar); ok {
		if err := runSafely("module "+record.name+" OnRegister", func() error {
			return registrar.OnRegister(ctx, record.runtime)
		}); err != nil {
			return err
		}
	}
	r.mu.Lock()
	record.constructed = true
	r.mu.Unlock()

	return nil
}

func (r *Registry) logRejected(module string, rejected []rejectedCommand) {
	for _, rejection := range rejected {
		if rejection.module != module {
			continue
		}
		r.cfg.logger.Warn("command rejected",
			"module", rejection.module,
			"command", rejection.command,
			"token", rejection.token,
			"owner", rejection.owner,
			"error", kagura.ErrConflict,
		)
	}
}

// Deregister removes module name atomically.
//
// Its triggers disappear from the table and dispatches that resolved one of
// them but did not start executing end Cancelled.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	record, removed := r.remove(name)
	if !removed {
		return fmt.Errorf("deregister module %s: %w", name, kagura.ErrNotFound)
	}
	record.cancel()
	record.subscription.Close()

	select {
	case <-record.done:
	case <-ctx.Done():
		return fmt.Errorf("deregister module %s: %w", name, ctx.Err())
	}
	r.shutdownModule(ctx, record)

	return nil
}

// Snapshot lists every registered module in registration order.
func (r *Registry) Snapshot() []ModuleSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.table.Load()
	snapshots := make([]ModuleSnapshot, 0, len(r.order))
	for _, name := range r.order {
		record := r.records[name]
		commands := table.moduleCommands(name)
		if commands == nil {
			commands = []string{}
		}
		snapshots = append(snapshots, ModuleSnapshot{
			Name:        record.name,
			Description: record.spec.Description,
			State:       record.state,
			Commands:    commands,
			Patterns:    len(record.triggers.patterns),
			Missing:     append([]string(nil), record.missing...),
		})
	}

	return snapshots
}

// Catalog exposes installed commands.
func (r *Registry) Catalog() kagura.CommandCatalog {
	return tableCatalog{table: r.currentTable}
}

func (r *Registry) currentTable() *commandTable {
	return r.table.Load()
}

// modules returns every registered record in registration order.
func (r *Registry) modules() []*moduleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*moduleRecord, 0, len(r.order))
	for _, name := range r.order {
		records = append(records, r.records[name])
	}

	return records
}

// startable marks the registry running and returns the constructed modules
// that still need OnStart. Modules constructed later are started by their
// watcher.
func (r *Registry) startable() []*moduleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = true
	var records []*moduleRecord
	for _, name := range r.order {
		record := r.records[name]
		if record.constructed && !record.started {
			record.started = true
			records = append(records, record)
		}
	}

	return records
}

// constructedModules returns the modules that ran OnRegister.
func (r *Registry) constructedModules() []*moduleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []*moduleRecord
	for _, name := range r.order {
		if record := r.records[name]; record.constructed {
			records = append(records, record)
		}
	}

	return records
}

// claimStart reports whether a module registered while the kernel runs still
// needs OnStart and marks it started.
func (r *Registry) claimStart(record *moduleRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || record.started {
		return false
	}
	record.started = true

	return true
}

func (r *Registry) startLate(record *moduleRecord) {
	starter, ok := record.module.(kagura.ModuleStarter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(record.ctx, r.cfg.moduleHookTimeout)
	defer cancel()

	if err := runSafely("module "+record.name+" OnStart", func() error {
		return starter.OnStart(ctx)
	}); err != nil {
		r.cfg.onAsyncError(ctx, "module "+record.name+" start", err)
	}
}

// close stops every watcher and waits for them until ctx ends.
func (r *Registry) close(ctx context.Context) error {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	for _, record := range r.modules() {
		record.cancel()
		record.subscription.Close()
	}
	for _, record := range r.modules() {
		select {
		case <-record.done:
		case <-ctx.Done():
			return fmt.Errorf("close registry: %w", ctx.Err())
		}
	}

	return nil
}

func (r *Registry) registered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.records[name]
	return exists
}

// configure calls Configure and validates the returned contribution.
func (r *Registry) configure(ctx context.Context, record *moduleRecord) (moduleTriggers, error) {
	values := make(kagura.Values, len(record.values))
	for key, value := range record.values {
		values[key] = value
	}

	var contribution kagura.Contribution
	if err := runSafely("module "+record.name+" Configure", func() error {
		configured, err := record.module.Configure(ctx, values)
		contribution = configured
		return err
	}); err != nil {
		return moduleTriggers{}, err
	}

	needs := make([]kagura.CommandSpec, 0, len(contribution.Commands)+len(contribution.Patterns))
	needs = append(needs, contribution.Commands...)
	for _, pattern := range contribution.Patterns {
		needs = append(needs, pattern.Command)
	}
	for _, command := range needs {
		for _, key := range command.Needs {
			if !r.declared(record.spec, key) {
				return moduleTriggers{}, fmt.Errorf(
					"module %s command %s needs undeclared key %s: %w",
					record.name,
					command.Name,
					key,
					kagura.ErrInvalidCommand,
				)
			}
		}
	}

	triggers, err := prepareContribution(contribution, values)
	if err != nil {
		return moduleTriggers{}, fmt.Errorf("module %s contribution: %w", record.name, err)
	}

	return triggers, nil
}

func (r *Registry) declared(spec kagura.ModuleSpec, key string) bool {
	for _, dependency := range spec.Dependencies {
		if dependency.Key == key {
			return true
		}
	}

	return false
}

// swapLocked installs triggers for record and publishes a new table. A nil
// live flag removes the record's triggers. r.mu must be held.
func (r *Registry) swapLocked(record *moduleRecord, triggers moduleTriggers, live *atomic.Bool) []rejectedCommand {
	entries := make([]tableEntry, 0, len(r.order)+1)
	placed := false
	for _, name := range r.order {
		other := r.records[name]
		if other == record {
			placed = true
			if live != nil {
				entries = append(entries, tableEntry{module: record.name, triggers: triggers, live: live})
			}
			continue
		}
		if other.state == ModuleActive {
			entries = append(entries, tableEntry{module: other.name, triggers: other.triggers, live: other.live})
		}
	}
	if !placed && live != nil {
		entries = append(entries, tableEntry{module: record.name, triggers: triggers, live: live})
	}

	table, rejected := buildTable(entries, r.table.Load())
	r.table.Store(table)

	return rejected
}

// watch follows the module's subscription until the module goes away.
func (r *Registry) watch(record *moduleRecord) {
	defer close(record.done)

	for {
		waitCtx, cancel := r.waitContext(record)
		value, err := record.subscription.Next(waitCtx)
		cancel()
		if err != nil {
			if record.ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				r.destroy(record)
			}
			return
		}
		record.values[value.Key] = value
		for record.subscription.Pending() > 0 {
			next, err := record.subscription.Next(record.ctx)
			if err != nil {
				return
			}
			record.values[next.Key] = next
		}

		r.reconcile(record)
	}
}

// waitContext bounds waiting by the grace period of a degraded module.
func (r *Registry) waitContext(record *moduleRecord) (context.Context, context.CancelFunc) {
	r.mu.Lock()
	degraded := record.state == ModuleDegraded
	deadline := record.degradedAt.Add(r.cfg.degradeGrace)
	r.mu.Unlock()

	if !degraded {
		return context.WithCancel(record.ctx)
	}

	return context.WithDeadline(record.ctx, deadline)
}

// reconcile moves record to the state its current values call for.
func (r *Registry) reconcile(record *moduleRecord) {
	if !moduleEnabled(record.values, record.name) {
		r.deactivate(record, ModuleDisabled, nil)
		return
	}

	if missing := missingValues(record.spec, record.values); len(missing) > 0 {
		state := ModuleDegraded
		if !r.isConstructed(record) {
			state = ModulePending
		}
		r.deactivate(record, state, missing)
		return
	}

	ctx, cancel := context.WithTimeout(record.ctx, r.cfg.moduleHookTimeout)
	defer cancel()

	if !r.isConstructed(record) {
		if err := r.construct(ctx, record); err != nil {
			r.cfg.onAsyncError(ctx, "module "+record.name+" construct", err)
			return
		}
	}
	triggers, err := r.configure(ctx, record)
	if err != nil {
		r.cfg.onAsyncError(ctx, "module "+record.name+" reconfigure", err)
		return
	}

	r.mu.Lock()
	if _, exists := r.records[record.name]; !exists {
		r.mu.Unlock()
		return
	}
	live := record.live
	if record.state != ModuleActive {
		live = &atomic.Bool{}
		live.Store(true)
	}
	rejected := r.swapLocked(record, triggers, live)
	previous := record.state
	record.live = live
	record.triggers = triggers
	record.state = ModuleActive
	record.missing = nil
	start := r.running && !record.started
	if start {
		record.started = true
	}
	r.mu.Unlock()

	r.logRejected(record.name, rejected)
	r.cfg.metrics.ModuleState(record.name, string(ModuleActive), moduleStates)
	if previous != ModuleActive {
		r.cfg.logger.Info("module activated", "module", record.name, "previous", previous)
	}
	if start {
		r.startLate(record)
	}
}

func (r *Registry) isConstructed(record *moduleRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return record.constructed
}

// deactivate removes the module's triggers and flips it to state.
func (r *Registry) deactivate(record *moduleRecord, state ModuleState, missing []string) {
	r.mu.Lock()
	if _, exists := r.records[record.name]; !exists {
		r.mu.Unlock()
		return
	}
	previous := record.state
	record.missing = missing
	if previous == state {
		r.mu.Unlock()
		return
	}
	if previous == ModuleActive {
		r.swapLocked(record, moduleTriggers{}, nil)
	}
	record.live.Store(false)
	record.triggers = moduleTriggers{}
	record.state = state
	if state == ModuleDegraded {
		record.degradedAt = time.Now()
	}
	r.mu.Unlock()

	r.cfg.metrics.ModuleState(record.name, string(state), moduleStates)
	r.cfg.logger.Warn("module deactivated", "module", record.name, "state", state, "missing", missing)
}

// destroy removes a module whose grace period ran out.
func (r *Registry) destroy(record *moduleRecord) {
	if _, removed := r.remove(record.name); !removed {
		return
	}
	record.subscription.Close()
	r.cfg.logger.Warn("module destroyed", "module", record.name, "missing", record.missing)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.moduleHookTimeout)
	defer cancel()
	r.shutdownModule(ctx, record)
}

// remove drops name from the registry and the command table in one step.
func (r *Registry) remove(name string) (*moduleRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records[name]
	if !exists {
		return nil, false
	}
	if record.state == ModuleActive {
		r.swapLocked(record, moduleTriggers{}, nil)
	}
	record.live.Store(false)
	record.state = ModuleDestroyed
	delete(r.records, name)
	r.order = removeOrderedName(r.order, name)
	r.cfg.metrics.ModuleState(name, string(ModuleDestroyed), moduleStates)

	return record, true
}

func (r *Registry) shutdownModule(ctx context.Context, record *moduleRecord) {
	stopper, ok := record.module.(kagura.ModuleStopper)
	if !ok || !r.isConstructed(record) {
		return
	}
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.moduleHookTimeout)
	defer cancel()

	if err := runSafely("module "+record.name+" OnShutdown", func() error {
		return stopper.OnShutdown(hookCtx)
	}); err != nil {
		r.cfg.onAsyncError(hookCtx, "module "+record.name+" shutdown", err)
	}
}

func moduleEnabled(values kagura.Values, name string) bool {
	enabled, ok, err := kagura.SettingValue[bool](values, kagura.ModuleEnabledKey(name))
	if !ok || err != nil {
		return true
	}

	return enabled
}

func missingValues(spec kagura.ModuleSpec, values kagura.Values) []string {
	var missing []string
	for _, dependency := range spec.Dependencies {
		if !dependency.Required {
			continue
		}
		if _, ok := values.Lookup(dependency.Key); !ok {
			missing = append(missing, dependency.Key)
		}
	}

	return missing
}

// validateModuleSpec ensures dependency declarations are coherent.
func validateModuleSpec(spec kagura.ModuleSpec) error {
	seen := make(map[string]struct{}, len(spec.Dependencies))
	for index, dependency := range spec.Dependencies {
		key := strings.TrimSpace(dependency.Key)
		if key == "" {
			return fmt.Errorf("dependency %d: empty key", index)
		}
		if _, exists := seen[key]; exists {
			return fmt.Errorf("dependency %d: duplicate key %s", index, key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// removeOrderedName removes one name while preserving remaining order.
func removeOrderedName(ordered []string, target string) []string {
	filtered := make([]string, 0, len(ordered))
	for _, item := range ordered {
		if item != target {
			filtered = append(filtered, item)
		}
	}

	return filtered
}
