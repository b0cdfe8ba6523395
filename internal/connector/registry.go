package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"ex-kagura/internal/metrics"
	"ex-kagura/pkg/kagura"
)

// Definition describes one configured connector entry.
type Definition struct {
	// Name is the connector id events and replies are routed by.
	Name string
	// Type identifies which builder constructs the connector.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores type-specific JSON payload.
	Config json.RawMessage
}

// Deps are shared collaborators handed to every builder.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// BuilderFunc builds one connector from one definition.
type BuilderFunc func(ctx context.Context, definition Definition, deps Deps) (kagura.Connector, error)

// Descriptor binds one connector type token to its builder.
type Descriptor struct {
	// Type is the type token from configuration (for example "irc").
	Type string
	// Builder constructs one connector of this type.
	Builder BuilderFunc
}

// Registry maps connector types to builders.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates one immutable registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{builders: builders, types: types}, nil
}

// Types returns registered connector types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return append([]string(nil), r.types...)
}

// BuildEnabled builds every enabled definition in order.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, deps Deps) ([]kagura.Connector, error) {
	if r == nil {
		return nil, fmt.Errorf("build connectors: nil registry")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	connectors := make([]kagura.Connector, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build connector: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build connector %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if definition.Type == "" {
			return nil, fmt.Errorf("build connector %s: empty type", definition.Name)
		}

		builder, exists := r.builders[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build connector %s type %s: unsupported type", definition.Name, definition.Type)
		}
		built, err := builder(ctx, definition, deps)
		if err != nil {
			return nil, fmt.Errorf("build connector %s type %s: %w", definition.Name, definition.Type, err)
		}
		if built == nil {
			return nil, fmt.Errorf("build connector %s type %s: nil connector", definition.Name, definition.Type)
		}
		if built.ID() != kagura.ConnectorID(definition.Name) {
			return nil, fmt.Errorf(
				"build connector %s type %s: id mismatch %s",
				definition.Name,
				definition.Type,
				built.ID(),
			)
		}

		connectors = append(connectors, built)
	}

	return connectors, nil
}
