package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var zlog = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the process logger. Development environments get a
// console writer, everything else gets JSON lines.
func Init(service, env string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if env == "development" || env == "dev" || env == "local" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zlog = zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()
	return zlog
}

// Get returns the process logger.
func Get() zerolog.Logger {
	return zlog
}

// WithRequestID returns a logger tagged with a request id.
func WithRequestID(requestID string) zerolog.Logger {
	return zlog.With().Str("request_id", requestID).Logger()
}

// Nop returns a logger that discards everything, for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
