// Package help lists the commands a sender may run.
package help

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ex-kagura/pkg/kagura"
)

const (
	moduleName      = "help"
	helpCommandName = "help"
	maxReplyLength  = 450
)

// Module answers !help and !help <command> from the command catalog.
type Module struct {
	catalog kagura.CommandCatalog
}

// New creates a help module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return moduleName
}

// Spec declares the catalog dependency.
func (m *Module) Spec() kagura.ModuleSpec {
	return kagura.ModuleSpec{Description: "command reference"}
}

// OnRegister resolves the command catalog.
func (m *Module) OnRegister(_ context.Context, runtime kagura.ModuleRuntime) error {
	catalog, err := kagura.ResolveAs[kagura.CommandCatalog](runtime.Services(), kagura.ServiceCommandCatalog)
	if err != nil {
		return fmt.Errorf("help resolve command catalog: %w", err)
	}
	m.catalog = catalog

	return nil
}

// Configure contributes the help command.
func (m *Module) Configure(context.Context, kagura.Values) (kagura.Contribution, error) {
	return kagura.Contribution{
		Commands: []kagura.CommandSpec{
			{
				Name:        helpCommandName,
				Aliases:     []string{"commands"},
				Description: "list commands or describe one",
				Usage:       "[command]",
				Handler:     kagura.HandlerFunc(m.handleCommand),
			},
		},
	}, nil
}

func (m *Module) handleCommand(ctx context.Context, call *kagura.Call) error {
	if m.catalog == nil {
		return fmt.Errorf("help handle command: command catalog not configured")
	}

	commands, err := m.catalog.ListCommands(ctx)
	if err != nil {
		return fmt.Errorf("help list commands: %w", err)
	}
	prefix := kagura.CommandPrefix(call.Settings)

	var body string
	if query := call.Arg(0); query != "" {
		body = describe(commands, prefix, strings.TrimPrefix(query, prefix))
	} else {
		body = list(commands, prefix, call.Event.SenderRoles)
	}
	if err := call.Reply(ctx, body); err != nil {
		return fmt.Errorf("help reply: %w", err)
	}

	return nil
}

// list renders every command the roles satisfy, sorted by name.
func list(commands []kagura.RegisteredCommand, prefix string, roles kagura.Roles) string {
	names := make([]string, 0, len(commands))
	for _, command := range commands {
		if !roles.Satisfies(command.Command.RequiredRoles) {
			continue
		}
		names = append(names, prefix+kagura.NormalizeCommandName(command.Command.Name))
	}
	if len(names) == 0 {
		return "No commands available."
	}
	sort.Strings(names)

	return truncate("Commands: " + strings.Join(names, ", "))
}

// describe renders one command found by name or alias.
func describe(commands []kagura.RegisteredCommand, prefix string, query string) string {
	token := kagura.NormalizeCommandName(query)
	for _, registered := range commands {
		command := registered.Command
		for _, candidate := range command.Tokens() {
			if candidate != token {
				continue
			}

			var builder strings.Builder
			builder.WriteString(prefix + kagura.NormalizeCommandName(command.Name))
			if usage := strings.TrimSpace(command.Usage); usage != "" {
				builder.WriteString(" " + usage)
			}
			if description := strings.TrimSpace(command.Description); description != "" {
				builder.WriteString(": " + description)
			}
			if len(command.Aliases) > 0 {
				aliases := make([]string, 0, len(command.Aliases))
				for _, alias := range command.Aliases {
					aliases = append(aliases, prefix+kagura.NormalizeCommandName(alias))
				}
				builder.WriteString(" (aliases: " + strings.Join(aliases, ", ") + ")")
			}
			if len(command.RequiredRoles) > 0 {
				builder.WriteString(" [requires " + strings.Join(command.RequiredRoles.Strings(), ", ") + "]")
			}

			return truncate(builder.String())
		}
	}

	return fmt.Sprintf("Unknown command %s%s.", prefix, token)
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxReplyLength {
		return text
	}

	return string(runes[:maxReplyLength-3]) + "..."
}

var (
	_ kagura.Module          = (*Module)(nil)
	_ kagura.ModuleRegistrar = (*Module)(nil)
)
