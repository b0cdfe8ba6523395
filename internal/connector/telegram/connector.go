// Package telegram runs a Telegram bot account as a connector.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"ex-kagura/internal/connector"
	"ex-kagura/pkg/kagura"
)

// New creates a Telegram connector named id.
func New(id kagura.ConnectorID, cfg Config, deps connector.Deps) (*connector.Supervisor, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &dialer{
		id:      id,
		cfg:     cfg,
		logger:  logger.With("connector", string(id)),
		metrics: deps.Metrics,
		mapper:  newMapper(id, cfg),
	}

	supervisor, err := connector.NewSupervisor(
		id,
		d.dial,
		connector.WithLogger(logger),
		connector.WithMetrics(deps.Metrics),
		connector.WithPolicy(cfg.Policy),
	)
	if err != nil {
		return nil, fmt.Errorf("new telegram connector: %w", err)
	}

	return supervisor, nil
}

// Build constructs one Telegram connector from a configuration entry.
func Build(_ context.Context, definition connector.Definition, deps connector.Deps) (kagura.Connector, error) {
	cfg, err := ParseConfig(definition.Name, definition.Config)
	if err != nil {
		return nil, fmt.Errorf("parse telegram config: %w", err)
	}

	return New(kagura.ConnectorID(definition.Name), cfg, deps)
}

// Descriptor registers this connector type.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{Type: Type, Builder: Build}
}
