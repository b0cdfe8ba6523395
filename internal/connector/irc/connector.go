// Package irc connects to line-protocol chat servers.
package irc

import (
	"context"
	"fmt"
	"log/slog"

	"ex-kagura/internal/connector"
	"ex-kagura/pkg/kagura"
)

// New creates an IRC connector named id.
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
	}

	return newSupervisor(d, deps)
}

func newSupervisor(d *dialer, deps connector.Deps) (*connector.Supervisor, error) {
	supervisor, err := connector.NewSupervisor(
		d.id,
		d.dial,
		connector.WithLogger(deps.Logger),
		connector.WithMetrics(deps.Metrics),
		connector.WithPolicy(d.cfg.Policy),
	)
	if err != nil {
		return nil, fmt.Errorf("new irc connector: %w", err)
	}

	return supervisor, nil
}

// Build constructs one IRC connector from a configuration entry.
func Build(_ context.Context, definition connector.Definition, deps connector.Deps) (kagura.Connector, error) {
	cfg, err := ParseConfig(definition.Config)
	if err != nil {
		return nil, fmt.Errorf("parse irc config: %w", err)
	}

	return New(kagura.ConnectorID(definition.Name), cfg, deps)
}

// Descriptor registers this connector type.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{Type: Type, Builder: Build}
}
