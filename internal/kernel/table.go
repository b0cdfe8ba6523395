package kernel

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync/atomic"

	"ex-kagura/pkg/kagura"
)

// installedCommand is one command bound to the module activation that owns it.
type installedCommand struct {
	module string
	spec   kagura.CommandSpec
	live   *atomic.Bool
}

// installedPattern is one compiled pattern trigger.
type installedPattern struct {
	module     string
	channel    kagura.ChannelID
	expression *regexp.Regexp
	spec       kagura.CommandSpec
	live       *atomic.Bool
}

// commandTable is an immutable snapshot of every installed trigger.
//
// The router reads it without locks; the registry swaps in a new table after
// every change.
type commandTable struct {
	byToken  map[string]*installedCommand
	commands []*installedCommand
	patterns []*installedPattern
}

var emptyTable = &commandTable{byToken: map[string]*installedCommand{}}

// resolve finds a command by normalized name or alias.
func (t *commandTable) resolve(token string) (*installedCommand, bool) {
	command, ok := t.byToken[token]
	return command, ok
}

// match returns the first pattern matching text in channel.
func (t *commandTable) match(channel kagura.ChannelID, text string) (*installedPattern, []string) {
	for _, pattern := range t.patterns {
		if pattern.channel != "" && pattern.channel != channel {
			continue
		}
		if submatches := pattern.expression.FindStringSubmatch(text); submatches != nil {
			return pattern, submatches
		}
	}

	return nil, nil
}

// moduleTriggers is the validated, installable form of one contribution.
type moduleTriggers struct {
	commands []kagura.CommandSpec
	patterns []compiledPattern
}

type compiledPattern struct {
	spec       kagura.PatternSpec
	expression *regexp.Regexp
}

// prepareContribution validates a contribution and drops commands whose
// needed keys are absent.
func prepareContribution(contribution kagura.Contribution, values kagura.Values) (moduleTriggers, error) {
	prepared := moduleTriggers{}
	seen := make(map[string]struct{})
	for index, command := range contribution.Commands {
		if err := command.Validate(); err != nil {
			return moduleTriggers{}, fmt.Errorf("command[%d]: %w", index, err)
		}
		for _, token := range command.Tokens() {
			if _, exists := seen[token]; exists {
				return moduleTriggers{}, fmt.Errorf("command %s: token %s: %w", command.Name, token, kagura.ErrConflict)
			}
			seen[token] = struct{}{}
		}
		if !needsSatisfied(command, values) {
			continue
		}
		prepared.commands = append(prepared.commands, cloneCommandSpec(command))
	}
	for index, pattern := range contribution.Patterns {
		expression, err := pattern.Compile()
		if err != nil {
			return moduleTriggers{}, fmt.Errorf("pattern[%d]: %w", index, err)
		}
		if !needsSatisfied(pattern.Command, values) {
			continue
		}
		pattern.Command = cloneCommandSpec(pattern.Command)
		prepared.patterns = append(prepared.patterns, compiledPattern{spec: pattern, expression: expression})
	}

	return prepared, nil
}

func needsSatisfied(command kagura.CommandSpec, values kagura.Values) bool {
	for _, key := range command.Needs {
		if _, ok := values.Lookup(key); !ok {
			return false
		}
	}

	return true
}

// tableEntry is one module's contribution as seen by the table builder.
type tableEntry struct {
	module   string
	triggers moduleTriggers
	live     *atomic.Bool
}

// rejectedCommand is a command left out of a table because another module
// owns one of its tokens.
type rejectedCommand struct {
	module  string
	command string
	token   string
	owner   string
}

// buildTable assembles a table from entries in registration order.
//
// Commands that were installed in previous keep their tokens unless they now
// reach for a token another module held. A command that
// collides with a token already placed is rejected on its own; the rest of
// its module's commands are still installed.
func buildTable(entries []tableEntry, previous *commandTable) (*commandTable, []rejectedCommand) {
	table := &commandTable{byToken: make(map[string]*installedCommand)}
	var rejected []rejectedCommand

	install := func(entry tableEntry, spec kagura.CommandSpec) {
		tokens := spec.Tokens()
		for _, token := range tokens {
			if existing, taken := table.byToken[token]; taken {
				rejected = append(rejected, rejectedCommand{
					module:  entry.module,
					command: spec.Name,
					token:   token,
					owner:   existing.module,
				})
				return
			}
		}
		installed := &installedCommand{module: entry.module, spec: spec, live: entry.live}
		for _, token := range tokens {
			table.byToken[token] = installed
		}
		table.commands = append(table.commands, installed)
	}
	incumbent := func(entry tableEntry, spec kagura.CommandSpec) bool {
		owner, ok := previous.byToken[kagura.NormalizeCommandName(spec.Name)]
		if !ok || owner.module != entry.module {
			return false
		}
		for _, token := range spec.Tokens() {
			if holder, held := previous.byToken[token]; held && holder.module != entry.module {
				return false
			}
		}
		return true
	}

	for _, entry := range entries {
		for _, spec := range entry.triggers.commands {
			if incumbent(entry, spec) {
				install(entry, spec)
			}
		}
	}
	for _, entry := range entries {
		for _, spec := range entry.triggers.commands {
			if !incumbent(entry, spec) {
				install(entry, spec)
			}
		}
		for _, pattern := range entry.triggers.patterns {
			table.patterns = append(table.patterns, &installedPattern{
				module:     entry.module,
				channel:    pattern.spec.Channel,
				expression: pattern.expression,
				spec:       pattern.spec.Command,
				live:       entry.live,
			})
		}
	}
	sort.Slice(table.commands, func(i, j int) bool {
		return kagura.NormalizeCommandName(table.commands[i].spec.Name) <
			kagura.NormalizeCommandName(table.commands[j].spec.Name)
	})

	return table, rejected
}

// moduleCommands lists the installed command names of module, sorted.
func (t *commandTable) moduleCommands(module string) []string {
	var names []string
	for _, command := range t.commands {
		if command.module == module {
			names = append(names, kagura.NormalizeCommandName(command.spec.Name))
		}
	}

	return names
}

// tableCatalog exposes the current table through kagura.CommandCatalog.
type tableCatalog struct {
	table func() *commandTable
}

// ListCommands returns every installed command sorted by name.
func (c tableCatalog) ListCommands(ctx context.Context) ([]kagura.RegisteredCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}

	table := c.table()
	commands := make([]kagura.RegisteredCommand, 0, len(table.commands))
	for _, command := range table.commands {
		commands = append(commands, kagura.RegisteredCommand{
			ModuleName: command.module,
			Command:    cloneCommandSpec(command.spec),
		})
	}

	return commands, nil
}

func cloneCommandSpec(spec kagura.CommandSpec) kagura.CommandSpec {
	spec.Aliases = append([]string(nil), spec.Aliases...)
	spec.RequiredRoles = append(kagura.Roles(nil), spec.RequiredRoles...)
	spec.Scopes = append([]kagura.RateScope(nil), spec.Scopes...)
	spec.Needs = append([]string(nil), spec.Needs...)

	return spec
}

var _ kagura.CommandCatalog = tableCatalog{}
