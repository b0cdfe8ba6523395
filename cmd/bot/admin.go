package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ex-kagura/internal/kernel"
)

const (
	adminReadHeaderTimeout = 5 * time.Second
	adminShutdownTimeout   = 5 * time.Second
)

// snapshotter is the read-only registry view served on /healthz.
type snapshotter interface {
	Snapshot() []kernel.ModuleSnapshot
}

type healthModule struct {
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Commands []string `json:"commands,omitempty"`
	Patterns int      `json:"patterns,omitempty"`
	Missing  []string `json:"missing,omitempty"`
}

type healthReport struct {
	Status  string         `json:"status"`
	Modules []healthModule `json:"modules"`
}

func newAdminHandler(gatherer prometheus.Gatherer, registry snapshotter) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := healthReport{Status: "ok", Modules: make([]healthModule, 0)}
		for _, snapshot := range registry.Snapshot() {
			if snapshot.State == kernel.ModuleDegraded {
				report.Status = "degraded"
			}
			report.Modules = append(report.Modules, healthModule{
				Name:     snapshot.Name,
				State:    string(snapshot.State),
				Commands: snapshot.Commands,
				Patterns: snapshot.Patterns,
				Missing:  snapshot.Missing,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	return mux
}

// serveAdmin serves /metrics and /healthz on addr until ctx ends.
func serveAdmin(
	ctx context.Context,
	addr string,
	gatherer prometheus.Gatherer,
	registry snapshotter,
	logger *slog.Logger,
) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           newAdminHandler(gatherer, registry),
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()
	logger.Info("admin server listening", "addr", listener.Addr().String())

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	<-served

	return nil
}
