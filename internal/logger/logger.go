// Package logger provides the process-wide zerolog.Logger used by both the
// connector and processor binaries.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log zerolog.Logger

func init() {
	// Configure ZeroLog in text mode with colors
	Log = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		NoColor:    false,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	// Set default log level to Info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Init tags Log with the owning component ("connector" or "processor") and
// raises verbosity when debug is requested.
func Init(component string, debug bool) {
	Log = Log.With().Str("component", component).Logger()
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// SetLevel sets the global log level
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}
