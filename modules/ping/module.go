// Package ping answers !ping so operators can check the bot is alive.
package ping

import (
	"context"
	"fmt"

	"ex-kagura/pkg/kagura"
)

const (
	moduleName      = "ping"
	pingCommandName = "ping"
)

// Module replies with "pong!" to !ping.
type Module struct{}

// New creates a ping module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return moduleName
}

// Spec declares no dependencies.
func (m *Module) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{Description: "liveness check"}
}

// Configure contributes the ping command.
func (m *Module) Configure(context.Context, kagura.Values) (kagura.Contribution, error) {
	return kagura.Contribution{
		Commands: []kagura.CommandSpec{
			{
				Name:        pingCommandName,
				Description: "reply with pong!",
				Handler:     kagura.HandlerFunc(m.handleCommand),
			},
		},
	}, nil
}

func (m *Module) handleCommand(ctx context.Context, call *kagura.Call) error {
	if err := call.Reply(ctx, "pong!"); err != nil {
		return fmt.Errorf("ping reply: %w", err)
	}

	return nil
}

var _ kagura.Module = (*Module)(nil)
