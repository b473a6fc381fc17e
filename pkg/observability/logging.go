package observability

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the structured logger shared by broker components.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger tagged with the originating component.
func NewLogger(component string, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stderr, opts)

	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "pagepilot"),
	)

	return &Logger{Logger: logger}
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithSession returns a logger with session-specific fields.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("session_id", sessionID),
		),
	}
}

// WithRun returns a logger with run-specific fields.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("run_id", runID),
		),
	}
}

// WithTool returns a logger with tool-call fields.
func (l *Logger) WithTool(tool, actionID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("tool", tool),
			slog.String("action_id", actionID),
		),
	}
}
