package script

import (
	"context"
	"fmt"
	"log/slog"

	"ex-kagura/internal/filewatch"
)

// Publisher receives revision bumps.
type Publisher interface {
	Provide(key string, data any) uint64
}

// WatchDirectory bumps RevisionKey after each burst of script changes in dir
// until ctx ends.
func WatchDirectory(ctx context.Context, dir string, publisher Publisher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := filewatch.New([]string{dir},
		filewatch.WithSuffix(".js"),
		filewatch.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("watch scripts: %w", err)
	}

	revision := 0
	return watcher.Run(ctx, func(_ context.Context, changed []string) {
		revision++
		version := publisher.Provide(RevisionKey, revision)
		logger.Info("scripts changed", "files", changed, "revision", revision, "version", version)
	})
}
