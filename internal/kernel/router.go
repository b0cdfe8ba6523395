package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"ex-kagura/internal/ratelimit"
	"ex-kagura/pkg/kagura"
)

const (
	settingReplyOnForbidden    = "router.reply_on_forbidden"
	settingReplyOnRateLimited  = "router.reply_on_rate_limited"
	settingReplyOnError        = "router.reply_on_error"
	settingFailureNotice       = "router.failure_notice"
	defaultFailureNotice       = "Something went wrong running that command."
	patternRateKeyPrefix       = "~"
	replyTimeoutFallbackFactor = 2
)

// State is one step of the dispatch state machine.
type State string

const (
	StateReceived          State = "received"
	StateResolved          State = "resolved"
	StatePermissionChecked State = "permission_checked"
	StateRateChecked       State = "rate_checked"
	StateExecuting         State = "executing"
	StateCompleted         State = "completed"
	StateRejected          State = "rejected"
	StateFailed            State = "failed"
	StateIgnored           State = "ignored"
	StateCancelled         State = "cancelled"
)

// Outcome is the terminal result of one dispatch.
type Outcome struct {
	State   State
	Module  string
	Command string
	Err     error
}

// dispatch carries one event through the stages after resolution.
type dispatch struct {
	event   *kagura.Event
	module  string
	spec    kagura.CommandSpec
	live    *atomic.Bool
	invoked string
	rest    string
	args    []string
	match   []string
}

func (d *dispatch) outcome(state State, err error) Outcome {
	return Outcome{State: state, Module: d.module, Command: d.spec.Name, Err: err}
}

// Router turns events into handler executions.
//
// Dispatches from one (connector, channel) pair pass resolution, permission
// and rate checks in arrival order; handlers then run concurrently.
type Router struct {
	cfg      config
	table    func() *commandTable
	limiter  *ratelimit.Limiter
	cache    kagura.Fetcher
	settings kagura.SettingsReader
	store    kagura.Store
	replier  kagura.Replier

	lanesMu sync.Mutex
	lanes   map[laneKey]*lane
	closed  bool
	lanesWG sync.WaitGroup

	laneCtx    context.Context
	laneCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	inflight   sync.WaitGroup

	stageHook func(State, *kagura.Event)
	observe   func(*kagura.Event, Outcome)
}

// routerDeps are the collaborators one router reads per dispatch.
type routerDeps struct {
	table    func() *commandTable
	limiter  *ratelimit.Limiter
	cache    kagura.Fetcher
	settings kagura.SettingsReader
	store    kagura.Store
	replier  kagura.Replier
}

func newRouter(cfg config, deps routerDeps) *Router {
	laneCtx, laneCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())

	return &Router{
		cfg:        cfg,
		table:      deps.table,
		limiter:    deps.limiter,
		cache:      deps.cache,
		settings:   deps.settings,
		store:      deps.store,
		replier:    deps.replier,
		lanes:      make(map[laneKey]*lane),
		laneCtx:    laneCtx,
		laneCancel: laneCancel,
		execCtx:    execCtx,
		execCancel: execCancel,
	}
}

// Dispatch runs one event through every stage synchronously.
func (r *Router) Dispatch(ctx context.Context, event *kagura.Event) Outcome {
	prepared, outcome, ok := r.prepare(ctx, event)
	if !ok {
		r.finish(event, outcome)
		return outcome
	}
	outcome = r.execute(ctx, prepared)
	r.finish(event, outcome)

	return outcome
}

// prepare runs Received through RateChecked. ok is false when the dispatch
// already reached a terminal state.
func (r *Router) prepare(ctx context.Context, event *kagura.Event) (*dispatch, Outcome, bool) {
	if err := event.Validate(); err != nil {
		return nil, Outcome{State: StateIgnored, Err: err}, false
	}
	r.stage(StateReceived, event)

	prepared, found := r.resolve(event)
	if !found {
		return nil, Outcome{State: StateIgnored}, false
	}
	r.stage(StateResolved, event)

	if !event.SenderRoles.Satisfies(prepared.spec.RequiredRoles) {
		err := fmt.Errorf(
			"dispatch %s: missing roles %s: %w",
			prepared.spec.Name,
			strings.Join(event.SenderRoles.Missing(prepared.spec.RequiredRoles).Strings(), ","),
			kagura.ErrForbidden,
		)
		if r.settingFlag(settingReplyOnForbidden) {
			r.reply(ctx, event, fmt.Sprintf("@%s, you are not allowed to use %s.", event.DisplayName(), prepared.invoked))
		}
		return nil, prepared.outcome(StateRejected, err), false
	}
	r.stage(StatePermissionChecked, event)

	if err := r.withdraw(prepared); err != nil {
		if errors.Is(err, kagura.ErrRateLimited) && r.settingFlag(settingReplyOnRateLimited) {
			r.reply(ctx, event, fmt.Sprintf("@%s, %s is on cooldown.", event.DisplayName(), prepared.invoked))
		}
		if errors.Is(err, kagura.ErrRateLimited) {
			return nil, prepared.outcome(StateRejected, err), false
		}
		return nil, prepared.outcome(StateFailed, err), false
	}
	r.stage(StateRateChecked, event)

	return prepared, Outcome{}, true
}

// resolve looks the event up as a prefixed command, then as a pattern.
func (r *Router) resolve(event *kagura.Event) (*dispatch, bool) {
	table := r.table()
	prefix := kagura.CommandPrefix(r.settings)

	if invocation, ok := kagura.ParseInvocation(event.Text, prefix); ok {
		if command, found := table.resolve(invocation.Token); found {
			return &dispatch{
				event:   event,
				module:  command.module,
				spec:    command.spec,
				live:    command.live,
				invoked: prefix + invocation.Token,
				rest:    invocation.Rest,
				args:    invocation.Args,
			}, true
		}
	}

	pattern, submatches := table.match(event.Channel, event.Text)
	if pattern == nil {
		return nil, false
	}

	return &dispatch{
		event:   event,
		module:  pattern.module,
		spec:    pattern.spec,
		live:    pattern.live,
		invoked: pattern.spec.Name,
		rest:    strings.TrimSpace(event.Text),
		args:    strings.Fields(event.Text),
		match:   submatches,
	}, true
}

// withdraw takes one token from every declared scope in order. Tokens taken
// before a failing scope are not refunded.
func (r *Router) withdraw(prepared *dispatch) error {
	if !prepared.spec.Limited() || r.limiter == nil {
		return nil
	}

	bucket := ratelimit.Config{
		Capacity:        prepared.spec.BucketCapacity(),
		RefillPerSecond: prepared.spec.RefillRate(),
	}
	name := kagura.NormalizeCommandName(prepared.spec.Name)
	if prepared.match != nil {
		name = patternRateKeyPrefix + name
	}
	for _, scope := range prepared.spec.Scopes {
		key := ratelimit.KeyFor(name, scope, prepared.event)
		granted, err := r.limiter.Withdraw(key, bucket, 1)
		if err != nil {
			return fmt.Errorf("dispatch %s withdraw %s: %w", prepared.spec.Name, scope, err)
		}
		if !granted {
			return fmt.Errorf("dispatch %s scope %s: %w", prepared.spec.Name, scope, kagura.ErrRateLimited)
		}
	}

	return nil
}

// execute runs the handler unless its module went away after resolution.
func (r *Router) execute(ctx context.Context, prepared *dispatch) Outcome {
	if !prepared.live.Load() {
		return prepared.outcome(
			StateCancelled,
			fmt.Errorf("dispatch %s: module %s: %w", prepared.spec.Name, prepared.module, kagura.ErrWithdrawn),
		)
	}
	r.stage(StateExecuting, prepared.event)

	handlerCtx, cancel := context.WithTimeout(ctx, r.cfg.handlerTimeout)
	defer cancel()

	call := &kagura.Call{
		Event:    prepared.event,
		Command:  prepared.spec.Name,
		Invoked:  prepared.invoked,
		Rest:     prepared.rest,
		Args:     append([]string(nil), prepared.args...),
		Match:    prepared.match,
		Cache:    r.cache,
		Settings: r.settings,
		Store:    r.store,
		Replier:  r.replier,
	}

	started := r.cfg.now()
	err := runSafely("command "+prepared.spec.Name, func() error {
		return prepared.spec.Handler.Handle(handlerCtx, call)
	})
	r.cfg.metrics.HandlerDuration(prepared.spec.Name, r.cfg.now().Sub(started).Seconds())
	if err != nil {
		r.cfg.logger.WarnContext(ctx, "command failed",
			"module", prepared.module,
			"command", prepared.spec.Name,
			"connector", prepared.event.Source,
			"channel", prepared.event.Channel,
			"error", err,
		)
		if r.settingFlag(settingReplyOnError) {
			notice := kagura.LookupSettingAs(r.settings, settingFailureNotice, defaultFailureNotice)
			r.reply(ctx, prepared.event, notice)
		}
		return prepared.outcome(StateFailed, err)
	}

	return prepared.outcome(StateCompleted, nil)
}

func (r *Router) finish(event *kagura.Event, outcome Outcome) {
	if outcome.Command != "" {
		r.cfg.metrics.Dispatch(outcome.Command, string(outcome.State))
	}
	if outcome.State == StateRejected || outcome.State == StateCancelled {
		r.cfg.logger.Debug("command not executed",
			"module", outcome.Module,
			"command", outcome.Command,
			"state", outcome.State,
			"error", outcome.Err,
		)
	}
	if r.observe != nil {
		r.observe(event, outcome)
	}
}

func (r *Router) stage(state State, event *kagura.Event) {
	if r.stageHook != nil {
		r.stageHook(state, event)
	}
}

func (r *Router) settingFlag(key string) bool {
	return kagura.LookupSettingAs(r.settings, key, false)
}

// reply sends a router notice. Failures are logged, never propagated.
func (r *Router) reply(ctx context.Context, event *kagura.Event, text string) {
	if r.replier == nil || strings.TrimSpace(text) == "" {
		return
	}
	replyCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		replyTimeoutFallbackFactor*r.cfg.handlerTimeout,
	)
	defer cancel()

	if err := r.replier.Reply(replyCtx, event.Source, event.Channel, text); err != nil {
		r.cfg.onAsyncError(ctx, "router reply", err)
	}
}

// Close stops accepting events, drains lanes and waits for running handlers
// until ctx ends; handlers still running are then cancelled.
func (r *Router) Close(ctx context.Context) error {
	r.lanesMu.Lock()
	if r.closed {
		r.lanesMu.Unlock()
		return nil
	}
	r.closed = true
	r.lanesMu.Unlock()

	r.laneCancel()
	r.lanesWG.Wait()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	defer r.execCancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close router: %w", ctx.Err())
	}
}
