// Package logging configures slog and builds the scoped loggers the router
// stages log through.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
	Output io.Writer
}

// Setup installs the default slog logger.
func Setup(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler).With("service", "command-router"))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type correlationIDKey struct{}

// WithCorrelationID tags ctx with the id shared by every log line written
// while one work item is processed. The runner uses the work-item message id,
// so retries of the same item correlate.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// FromContext returns a component logger carrying the correlation id of ctx.
func FromContext(ctx context.Context, component string) *slog.Logger {
	log := Component(component)
	if id := CorrelationID(ctx); id != "" {
		log = log.With("correlation_id", id)
	}
	return log
}

// CommandLogger scopes a logger to one privacy command.
func CommandLogger(ctx context.Context, commandID, commandType string) *slog.Logger {
	log := slog.With("command_id", commandID, "command_type", commandType)
	if id := CorrelationID(ctx); id != "" {
		log = log.With("correlation_id", id)
	}
	return log
}

// DestinationLogger narrows a command logger to one agent and asset group.
func DestinationLogger(log *slog.Logger, agentID, assetGroupID string) *slog.Logger {
	return log.With("agent_id", agentID, "asset_group_id", assetGroupID)
}

func WorkerLogger(queue string, workerID int) *slog.Logger {
	return slog.With("queue", queue, "worker_id", workerID)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
