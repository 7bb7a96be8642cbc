// Package logger provides the named sub-logger facade used across every
// subsystem, e.g. logger.NewLog("socket.io:namespace").Debug(...), backed
// by zerolog for structured, leveled output.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	baseMu sync.RWMutex
	base   = zerolog.New(defaultWriter()).With().Timestamp().Logger()
)

func defaultWriter() io.Writer {
	if os.Getenv("SIOSERVER_JSON_LOG") != "" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
}

// SetLevel adjusts the global minimum level, e.g. from server options.
func SetLevel(level zerolog.Level) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = base.Level(level)
}

// Named is a logger scoped to a component name (obtained from NewLog),
// rendered as a "component" field on every record it produces.
type Named struct {
	name string
}

func NewLog(name string) *Named {
	return &Named{name: name}
}

func (n *Named) logger() zerolog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base.With().Str("component", n.name).Logger()
}

func (n *Named) Debug(format string, args ...any) {
	l := n.logger()
	l.Debug().Msgf(format, args...)
}

func (n *Named) Info(format string, args ...any) {
	l := n.logger()
	l.Info().Msgf(format, args...)
}

func (n *Named) Warn(format string, args ...any) {
	l := n.logger()
	l.Warn().Msgf(format, args...)
}

func (n *Named) Error(format string, args ...any) {
	l := n.logger()
	l.Error().Msgf(format, args...)
}
