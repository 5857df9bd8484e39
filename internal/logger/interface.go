package logger

import "codeberg.org/mutker/gaitmon/internal/errors"

// Logger defines the interface for logging operations. Components that
// need a logger take one of these so tests can hand them a quiet one.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	ErrorWithCode(err errors.Error) *LogEvent
	With(component string) Logger
}
