// Package logging builds the hclog loggers used by both binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// New returns a named logger. LOG_LEVEL sets the level (default info) and
// LOG_FORMAT=json switches to JSON output.
func New(name string) hclog.Logger {
	return NewWithOutput(name, os.Stderr)
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(name string, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      Level(os.Getenv("LOG_LEVEL")),
		Output:     w,
		JSONFormat: strings.EqualFold(os.Getenv("LOG_FORMAT"), "json"),
	})
}

// Level parses a level name, falling back to info.
func Level(s string) hclog.Level {
	if s == "" {
		return hclog.Info
	}
	if l := hclog.LevelFromString(s); l != hclog.NoLevel {
		return l
	}
	return hclog.Info
}

// OrNull returns l, or a logger that discards everything when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
