package logger

import (
	"log/slog"
	"os"
)

// Setup configures the process-wide logger and installs it as the slog
// default. Production gets JSON output for log shippers, everything else
// gets human-readable text at debug level.
func Setup(env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}
