package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup initializes the global zerolog logger based on environment configuration.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for production, "pretty" for human-readable dev output
//
// Returns the configured logger instance.
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return New(os.Stdout, format).
		With().
		Caller().
		Logger()
}

// New builds a timestamped logger writing to w in the given format.
func New(w io.Writer, format string) zerolog.Logger {
	var writer io.Writer = w
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// ForSession returns a sub-logger tagged with a component and session id.
func ForSession(log zerolog.Logger, component, sessionID string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("session_id", sessionID).
		Logger()
}
