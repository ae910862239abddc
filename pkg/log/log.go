package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It is a no-op until Init runs,
// so library code and tests can log unconditionally.
var Logger = zerolog.Nop()

// Init configures the root logger. level is one of debug, info, warn or
// error; anything unparseable falls back to info. json selects structured
// output over the human console format. out defaults to stdout.
//
// The level is carried on the logger itself rather than the zerolog global,
// so embedding code that uses zerolog for its own purposes is unaffected.
func Init(level string, json bool, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	w := out
	if !json {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// WithComponent derives a child logger tagged with the component name.
// Scheduling context (task_id, job_id, resource_id) is attached per event
// at the call sites, where the ids are in hand.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
