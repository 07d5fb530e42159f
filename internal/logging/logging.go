// Package logging builds the process-wide logr.Logger used by every
// long-lived component, backed by zap the way the controller-runtime
// ecosystem wires logr on top of zap.
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the concrete zap construction. Debug switches to a
// human-readable console encoder and debug level; otherwise JSON encoding at
// Level is used.
type Options struct {
	Debug   bool
	Level   string
	LogFile string
}

var levelFromName = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// New builds the root logr.Logger for the process.
func New(opts Options) (logr.Logger, error) {
	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		if lvl, ok := levelFromName[opts.Level]; ok {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	if opts.LogFile != "" {
		cfg.OutputPaths = []string{opts.LogFile}
		cfg.ErrorOutputPaths = []string{opts.LogFile}
	} else {
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// Discard returns a no-op logger, used as the zero value before New runs
// (e.g. in unit tests that don't care about log output).
func Discard() logr.Logger { return logr.Discard() }

// NewTestLogger writes to stderr at debug level; used only by tests that
// want to see component logs instead of a discarded sink.
func NewTestLogger() logr.Logger {
	l, err := New(Options{Debug: true})
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error())
		return logr.Discard()
	}
	return l
}
