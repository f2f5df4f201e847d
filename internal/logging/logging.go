// Package logging provides the leveled, component-tagged logger used across
// the framework. It wraps zerolog so call sites stay decoupled from the
// concrete backend.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is a leveled logger bound to one component. Methods never panic and
// never return errors; a nil *Logger is safe to call and discards everything.
type Logger struct {
	zl zerolog.Logger
}

// New creates a root logger writing JSON lines to w at the given level.
// Unknown level strings default to info.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
	return &Logger{zl: zl}
}

// NewDefault creates a stderr logger at info level tagged with component.
func NewDefault(component string) *Logger {
	return New(os.Stderr, "info").Component(component)
}

// Nop returns a logger that discards all output. Useful in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// With returns a child logger carrying an extra key/value pair on every line.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) Trace(msg string, kv ...any) { l.emit(zerolog.TraceLevel, msg, nil, kv) }
func (l *Logger) Debug(msg string, kv ...any) { l.emit(zerolog.DebugLevel, msg, nil, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.emit(zerolog.InfoLevel, msg, nil, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.emit(zerolog.WarnLevel, msg, nil, kv) }

// Error logs msg at error level; err may be nil.
func (l *Logger) Error(msg string, err error, kv ...any) {
	l.emit(zerolog.ErrorLevel, msg, err, kv)
}

// Fatal logs msg at fatal level and exits the process.
func (l *Logger) Fatal(msg string, err error, kv ...any) {
	if l == nil {
		os.Exit(1)
	}
	ev := l.zl.Fatal()
	if err != nil {
		ev = ev.Err(err)
	}
	applyFields(ev, kv).Msg(msg)
}

func (l *Logger) emit(level zerolog.Level, msg string, err error, kv []any) {
	if l == nil {
		return
	}
	ev := l.zl.WithLevel(level)
	if err != nil {
		ev = ev.Err(err)
	}
	applyFields(ev, kv).Msg(msg)
}

// applyFields attaches alternating key/value pairs. A trailing key without a
// value is attached with a nil value rather than dropped.
func applyFields(ev *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(kv) {
			ev = ev.Interface(key, kv[i+1])
		} else {
			ev = ev.Interface(key, nil)
		}
	}
	return ev
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
