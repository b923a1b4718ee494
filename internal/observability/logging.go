package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithDependency(logger *slog.Logger, dependencyID string) *slog.Logger {
	if logger == nil || dependencyID == "" {
		return logger
	}
	return logger.With("dependency_id", dependencyID)
}

func WithRunner(logger *slog.Logger, runnerID string) *slog.Logger {
	if logger == nil || runnerID == "" {
		return logger
	}
	return logger.With("runner_id", runnerID)
}

func WithGroup(logger *slog.Logger, groupID string) *slog.Logger {
	if logger == nil || groupID == "" {
		return logger
	}
	return logger.With("group_id", groupID)
}
