// Package push consumes a websocket push-event channel.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"ex-kagura/internal/connector"
	"ex-kagura/pkg/kagura"
)

const handshakeTimeout = 15 * time.Second

// New creates a push connector named id.
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
		ws:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}

	supervisor, err := connector.NewSupervisor(
		id,
		d.dial,
		connector.WithLogger(logger),
		connector.WithMetrics(deps.Metrics),
		connector.WithPolicy(cfg.Policy),
	)
	if err != nil {
		return nil, fmt.Errorf("new push connector: %w", err)
	}

	return supervisor, nil
}

// Build constructs one push connector from a configuration entry.
func Build(_ context.Context, definition connector.Definition, deps connector.Deps) (kagura.Connector, error) {
	cfg, err := ParseConfig(definition.Config)
	if err != nil {
		return nil, fmt.Errorf("parse push config: %w", err)
	}

	return New(kagura.ConnectorID(definition.Name), cfg, deps)
}

// Descriptor registers this connector type.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{Type: Type, Builder: Build}
}
