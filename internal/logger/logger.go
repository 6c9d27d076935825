// Package logger builds the structured logger shared by the
// orchestrator and agent daemons: a text handler writing to stdout and,
// optionally, a log file, with a shortened time format. Generalizes the
// teacher's package-global logger.Init into a constructor returning an
// explicit *slog.Logger, matching the rest of this module's packages
// (controlplane, tunnelserver, health) which all take a logger as a
// constructor argument rather than reaching for a global.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// New builds a *slog.Logger at the given level, writing to stdout and,
// if logFile is non-empty, appending to that file as well. An
// unrecognized level falls back to debug, matching the teacher's
// default.
func New(level string, logFile string) (*slog.Logger, error) {
	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})
	return slog.New(handler), nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
