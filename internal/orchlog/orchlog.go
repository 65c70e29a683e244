// Package orchlog is the engine's structured logger. It mirrors the call
// shape of the teacher's agentkit/logging.Logger (New().WithComponent(name),
// then Debug/Info/Warn/Error(msg, fields)) but is backed directly by
// go.uber.org/zap's SugaredLogger, since agentkit/logging is an external
// module this repository does not own.
package orchlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	baseOnce sync.Once
	base     *zap.SugaredLogger
)

func rootLogger() *zap.SugaredLogger {
	baseOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		built, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			built = zap.NewNop()
		}
		base = built.Sugar()
	})
	return base
}

// Logger is a component-scoped structured logger.
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
}

// New returns a root Logger with no component set.
func New() *Logger {
	return &Logger{sugar: rootLogger()}
}

// WithComponent returns a copy of l scoped to the named component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{component: name, sugar: l.sugar}
}

func (l *Logger) fields(fields map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(fields)*2+2)
	if l.component != "" {
		out = append(out, "component", l.component)
	}
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// Debug logs a debug-level message with structured fields.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.sugar.Debugw(msg, l.fields(fields)...)
}

// Info logs an info-level message with structured fields.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.sugar.Infow(msg, l.fields(fields)...)
}

// Warn logs a warn-level message with structured fields.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.sugar.Warnw(msg, l.fields(fields)...)
}

// Error logs an error-level message with structured fields.
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.sugar.Errorw(msg, l.fields(fields)...)
}
