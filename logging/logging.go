// Package logging creates loggers for use with a docstore.Store or a
// constraint.Enforcer.
package logging

import (
	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/internal/logging"
)

// Provider is the logging library used to create a Logger.
type Provider = uniqdoc.LogProvider

const (
	None   = uniqdoc.NoLog
	Jellog = uniqdoc.Jellog
	Std    = uniqdoc.StdLog
	Zap    = uniqdoc.Zap
)

// New creates a new Logger backed by the given provider. If file is blank,
// logs only go to stderr. Provider None gives a Logger that discards
// everything.
func New(p Provider, file string) (uniqdoc.Logger, error) {
	if p == None {
		return Discard(), nil
	}
	return logging.New(p, file)
}

// Discard returns a Logger that discards everything written to it.
func Discard() uniqdoc.Logger {
	return logging.NoOpLogger{}
}
