// Package logging configures structured logging for the resolver and
// installer pipeline.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger's verbosity. Verbosity follows the
// usual CLI convention: 0 warn, 1 info, 2 debug, 3+ trace with caller info.
// The core never writes to a log file itself; embedding callers decide where
// output goes by replacing log.Logger before calling into the pipeline.
func Setup(verbosity int) {
	switch {
	case verbosity <= 0:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case verbosity == 1:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case verbosity == 2:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}
	log.Logger = zerolog.New(console).With().Timestamp().Logger()

	if verbosity >= 3 {
		log.Logger = log.Logger.With().Caller().Logger()
	}
}

// For returns a logger scoped to the named component, mirroring dodot's
// GetLogger(name) convention.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
