// Package logging wires the process-wide zerolog logger from the
// configured level, using a human-readable console writer on a TTY
// and structured JSON otherwise.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. level is one of
// debug|info|warn|error; an unrecognized value falls back to info.
func Init(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	var w = os.Stderr
	if isatty.IsTerminal(w.Fd()) {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}
