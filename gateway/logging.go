package gateway

import (
	"log/slog"
	"os"
)

// Logger pins every component in this module to log/slog, following the
// teacher's structured "logger.Info(msg, key, val, ...)" style in
// connection_manager.go. Where the teacher logs sink configuration is
// out of scope (spec §1 Non-goals); callers inject their own *slog.Logger
// (JSON handler, text handler, or a third-party slog adapter) and this
// package only ever emits records through it.
type Logger = slog.Logger

// defaultLogger is used wherever a caller constructs a component without
// supplying a logger, so the library never panics on a nil logger and
// never silently drops log records either.
func defaultLogger() *Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logOrDefault(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return defaultLogger()
}
