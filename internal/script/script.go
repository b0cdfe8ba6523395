package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"ex-kagura/pkg/kagura"
)

var errBudgetExceeded = errors.New("script budget exceeded")

// script owns one runtime. Calls into the runtime are serialized by mu.
type script struct {
	name     string
	budget   time.Duration
	client   *http.Client
	logger   *slog.Logger
	commands []kagura.CommandSpec

	mu sync.Mutex
	vm *goja.Runtime
}

type registration struct {
	Name        string          `json:"name"`
	Aliases     []string        `json:"aliases"`
	Roles       []string        `json:"roles"`
	Cooldown    json.RawMessage `json:"cooldown"`
	Scopes      []string        `json:"scopes"`
	Capacity    int             `json:"capacity"`
	Description string          `json:"description"`
	Usage       string          `json:"usage"`
}

func (b *Bridge) load(path string, budget time.Duration) (*script, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	s := &script{
		name:   filepath.Base(path),
		budget: budget,
		client: b.client,
		logger: b.logger.With("script", filepath.Base(path)),
		vm:     goja.New(),
	}
	s.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := s.vm.Set("register", s.register); err != nil {
		return nil, fmt.Errorf("install register: %w", err)
	}
	console := s.vm.NewObject()
	if err := console.Set("log", s.log); err != nil {
		return nil, fmt.Errorf("install console: %w", err)
	}
	if err := s.vm.Set("console", console); err != nil {
		return nil, fmt.Errorf("install console: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(context.Background(), func(context.Context) error {
		_, err := s.vm.RunScript(s.name, string(source))
		return err
	}); err != nil {
		return nil, err
	}
	if len(s.commands) == 0 {
		return nil, fmt.Errorf("no commands registered")
	}

	return s, nil
}

// guard runs fn with the invocation budget armed. The runtime is
// interrupted when the budget or ctx ends first.
func (s *script) guard(ctx context.Context, fn func(invokeCtx context.Context) error) error {
	invokeCtx, cancel := context.WithTimeoutCause(ctx, s.budget, errBudgetExceeded)
	defer cancel()

	interrupted := make(chan struct{})
	stop := context.AfterFunc(invokeCtx, func() {
		defer close(interrupted)
		s.vm.Interrupt(context.Cause(invokeCtx))
	})
	err := fn(invokeCtx)
	if !stop() {
		<-interrupted
	}
	s.vm.ClearInterrupt()

	return s.classify(err)
}

func (s *script) classify(err error) error {
	if err == nil {
		return nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause, _ := interrupted.Value().(error)
		if errors.Is(cause, errBudgetExceeded) {
			return fmt.Errorf("%w: %s exceeded %s", kagura.ErrScriptTimeout, s.name, s.budget)
		}
		if cause != nil {
			return fmt.Errorf("script %s interrupted: %w", s.name, cause)
		}
		return fmt.Errorf("script %s interrupted: %v", s.name, interrupted.Value())
	}

	return fmt.Errorf("script %s: %w", s.name, err)
}

// register implements the global register(spec, handler).
func (s *script) register(call goja.FunctionCall) goja.Value {
	handler, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(s.vm.NewTypeError("register: handler must be a function"))
	}

	raw, err := json.Marshal(call.Argument(0).Export())
	if err != nil {
		panic(s.vm.NewTypeError("register: %v", err))
	}
	var spec registration
	if err := json.Unmarshal(raw, &spec); err != nil {
		panic(s.vm.NewTypeError("register: %v", err))
	}

	command, err := spec.command(&scriptHandler{script: s, fn: handler})
	if err != nil {
		panic(s.vm.NewTypeError("register: %v", err))
	}
	s.commands = append(s.commands, command)

	return goja.Undefined()
}

func (r registration) command(handler kagura.Handler) (kagura.CommandSpec, error) {
	cooldown, err := parseCooldown(r.Cooldown)
	if err != nil {
		return kagura.CommandSpec{}, err
	}

	roles := make([]kagura.Role, 0, len(r.Roles))
	for _, role := range r.Roles {
		roles = append(roles, kagura.Role(role))
	}
	scopes := make([]kagura.RateScope, 0, len(r.Scopes))
	for _, raw := range r.Scopes {
		scope, err := kagura.ParseRateScope(raw)
		if err != nil {
			return kagura.CommandSpec{}, err
		}
		scopes = append(scopes, scope)
	}
	if cooldown > 0 && len(scopes) == 0 {
		scopes = []kagura.RateScope{kagura.RateScopePerChannel}
	}

	command := kagura.CommandSpec{
		Name:          r.Name,
		Aliases:       r.Aliases,
		Description:   r.Description,
		Usage:         r.Usage,
		RequiredRoles: kagura.NewRoles(roles...),
		Cooldown:      cooldown,
		Capacity:      r.Capacity,
		Scopes:        scopes,
		Handler:       handler,
	}
	if err := command.Validate(); err != nil {
		return kagura.CommandSpec{}, err
	}

	return command, nil
}

// parseCooldown accepts seconds as a number or a duration string.
func parseCooldown(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("cooldown must be >= 0")
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("cooldown must be seconds or a duration string")
	}
	duration, err := time.ParseDuration(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("parse cooldown: %w", err)
	}

	return duration, nil
}

func (s *script) log(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, argument := range call.Arguments {
		parts = append(parts, argument.String())
	}
	s.logger.Info("script log", "message", strings.Join(parts, " "))

	return goja.Undefined()
}

// scriptHandler adapts one registered JavaScript function.
type scriptHandler struct {
	script *script
	fn     goja.Callable
}

// Handle runs the function with a fresh context object.
func (h *scriptHandler) Handle(ctx context.Context, call *kagura.Call) error {
	s := h.script
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.guard(ctx, func(invokeCtx context.Context) error {
		_, err := h.fn(goja.Undefined(), s.host(invokeCtx, call))
		return err
	})
}
