// Package logger owns the process-wide zerolog sink shared by every janus
// component. Brokers are embedded as a library inside other programs, so
// output is discarded until a command opts in with SetSilentMode(false).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	SetSilentMode(true)
}

// SetSilentMode configures whether logging is discarded or written to
// stderr through a console writer.
func SetSilentMode(silent bool) {
	var output io.Writer = io.Discard
	if !silent {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	root = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// New returns the root logger. It is what a broker env receives as its log
// sink; components derive their own loggers from it.
func New() zerolog.Logger {
	return root
}

// GetLogger returns the root logger tagged with a component name such as
// "iris.broker" or "cmd.node".
func GetLogger(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// SetLevel sets the global log level from its configuration name. Unknown
// names fall back to info.
func SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
