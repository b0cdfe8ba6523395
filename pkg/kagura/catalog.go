package kagura

import "context"

// RegisteredCommand pairs an installed command with its owning module.
type RegisteredCommand struct {
	ModuleName string
	Command    CommandSpec
}

// CommandCatalog lists the commands currently installed. The returned slice
// belongs to the caller.
type CommandCatalog interface {
	ListCommands(ctx context.Context) ([]RegisteredCommand, error)
}
