// Package currency keeps per-channel point balances in the persistence
// backend.
package currency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"ex-kagura/pkg/kagura"
)

const (
	moduleName = "currency"

	// NameKey is the required setting naming the currency, e.g. "points".
	NameKey = "currency.name"

	keyPrefix    = "currency/"
	giveCooldown = 5 * time.Second
)

// ErrInsufficientFunds reports a transfer larger than the sender balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrBalanceOverflow reports a credit that would exceed the largest balance.
var ErrBalanceOverflow = errors.New("balance overflow")

// Module implements !balance, !give and !award.
type Module struct {
	store kagura.Store

	mu   sync.RWMutex
	name string
}

// New creates a currency module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return moduleName
}

// Spec declares the required currency name.
func (m *Module) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{
		Description: "channel point balances",
		Dependencies: []kagura.Dependency{
			{Key: NameKey, Required: true},
		},
	}
}

// OnRegister binds the persistence backend.
func (m *Module) OnRegister(_ context.Context, runtime kagura.ModuleRuntime) error {
	if runtime.Store() == nil {
		return fmt.Errorf("currency register: persistence backend not configured")
	}
	m.store = runtime.Store()

	return nil
}

// Configure reads the currency name and contributes the commands.
func (m *Module) Configure(_ context.Context, values kagura.Values) (kagura.Contribution, error) {
	name, ok, err := kagura.SettingValue[string](values, NameKey)
	if err != nil {
		return kagura.Contribution{}, fmt.Errorf("configure currency: %w", err)
	}
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return kagura.Contribution{}, fmt.Errorf("configure currency: %w: %s", kagura.ErrUnsatisfiedDependency, NameKey)
	}
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()

	var aliases []string
	if token := kagura.NormalizeCommandName(name); len(strings.Fields(token)) == 1 && token != "balance" {
		aliases = append(aliases, token)
	}

	return kagura.Contribution{
		Commands: []kagura.CommandSpec{
			{
				Name:        "balance",
				Aliases:     aliases,
				Description: "show a " + name + " balance",
				Usage:       "[user]",
				Handler:     kagura.HandlerFunc(m.handleBalance),
			},
			{
				Name:        "give",
				Description: "give " + name + " to another viewer",
				Usage:       "<user> <amount>",
				Cooldown:    giveCooldown,
				Scopes:      []kagura.RateScope{kagura.RateScopePerUser},
				Handler:     kagura.HandlerFunc(m.handleGive),
			},
			{
				Name:          "award",
				Description:   "add " + name + " to a viewer",
				Usage:         "<user> <amount>",
				RequiredRoles: kagura.NewRoles(kagura.RoleModerator),
				Handler:       kagura.HandlerFunc(m.handleAward),
			},
		},
	}, nil
}

func (m *Module) currencyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.name
}

func (m *Module) handleBalance(ctx context.Context, call *kagura.Call) error {
	user := senderLogin(call.Event)
	if target := normalizeUser(call.Arg(0)); target != "" {
		user = target
	}

	balance, err := readBalance(ctx, m.store, balanceKey(call.Event, user))
	if err != nil {
		return fmt.Errorf("currency balance %s: %w", user, err)
	}

	return reply(ctx, call, fmt.Sprintf("%s has %d %s.", user, balance, m.currencyName()))
}

func (m *Module) handleGive(ctx context.Context, call *kagura.Call) error {
	target, amount, ok := parseTransfer(call.Args)
	if !ok {
		return reply(ctx, call, "Usage: "+call.Invoked+" <user> <amount>")
	}
	sender := senderLogin(call.Event)
	if target == sender {
		return reply(ctx, call, "You cannot give "+m.currencyName()+" to yourself.")
	}

	var remaining int64
	err := m.store.Update(ctx, func(tx kagura.Tx) error {
		from, err := readBalance(ctx, tx, balanceKey(call.Event, sender))
		if err != nil {
			return err
		}
		if from < amount {
			remaining = from
			return ErrInsufficientFunds
		}
		to, err := readBalance(ctx, tx, balanceKey(call.Event, target))
		if err != nil {
			return err
		}
		if amount > math.MaxInt64-to {
			return ErrBalanceOverflow
		}
		remaining = from - amount
		if err := writeBalance(ctx, tx, balanceKey(call.Event, sender), remaining); err != nil {
			return err
		}

		return writeBalance(ctx, tx, balanceKey(call.Event, target), to+amount)
	})
	if errors.Is(err, ErrInsufficientFunds) {
		return reply(ctx, call, fmt.Sprintf("You only have %d %s.", remaining, m.currencyName()))
	}
	if errors.Is(err, ErrBalanceOverflow) {
		return reply(ctx, call, fmt.Sprintf("%s cannot hold that many %s.", target, m.currencyName()))
	}
	if err != nil {
		return fmt.Errorf("currency give %s -> %s: %w", sender, target, err)
	}

	return reply(ctx, call, fmt.Sprintf("%s gave %d %s to %s.", sender, amount, m.currencyName(), target))
}

func (m *Module) handleAward(ctx context.Context, call *kagura.Call) error {
	target, amount, ok := parseTransfer(call.Args)
	if !ok {
		return reply(ctx, call, "Usage: "+call.Invoked+" <user> <amount>")
	}

	var total int64
	err := m.store.Update(ctx, func(tx kagura.Tx) error {
		current, err := readBalance(ctx, tx, balanceKey(call.Event, target))
		if err != nil {
			return err
		}
		if amount > math.MaxInt64-current {
			return ErrBalanceOverflow
		}
		total = current + amount

		return writeBalance(ctx, tx, balanceKey(call.Event, target), total)
	})
	if errors.Is(err, ErrBalanceOverflow) {
		return reply(ctx, call, fmt.Sprintf("%s cannot hold that many %s.", target, m.currencyName()))
	}
	if err != nil {
		return fmt.Errorf("currency award %s: %w", target, err)
	}

	return reply(ctx, call, fmt.Sprintf("%s now has %d %s.", target, total, m.currencyName()))
}

func parseTransfer(args []string) (string, int64, bool) {
	if len(args) < 2 {
		return "", 0, false
	}
	target := normalizeUser(args[0])
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if target == "" || err != nil || amount <= 0 {
		return "", 0, false
	}

	return target, amount, true
}

func balanceKey(event *kagura.Event, user string) string {
	return keyPrefix + string(event.Source) + "/" + string(event.Channel) + "/" + user
}

func readBalance(ctx context.Context, tx kagura.Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key)
	if errors.Is(err, kagura.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	balance, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode balance %s: %w", key, err)
	}

	return balance, nil
}

func writeBalance(ctx context.Context, tx kagura.Tx, key string, balance int64) error {
	return tx.Set(ctx, key, []byte(strconv.FormatInt(balance, 10)))
}

// senderLogin prefers the connector login so balances line up with the
// names people type as arguments.
func senderLogin(event *kagura.Event) string {
	if login := event.Meta("login"); login != "" {
		return normalizeUser(login)
	}

	return normalizeUser(event.DisplayName())
}

func normalizeUser(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}

func reply(ctx context.Context, call *kagura.Call, text string) error {
	if err := call.Reply(ctx, text); err != nil {
		return fmt.Errorf("currency reply: %w", err)
	}

	return nil
}

var (
	_ kagura.Module          = (*Module)(nil)
	_ kagura.ModuleRegistrar = (*Module)(nil)
)
