// Package logging constructs the single *zap.SugaredLogger every Concent
// component is handed at startup, instead of reaching for a package-level
// logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's output shape and verbosity.
type Config struct {
	// Development switches to human-readable console output with
	// stack traces on warn; production uses JSON.
	Development bool
	// Level is the minimum enabled level ("debug", "info", "warn", "error").
	Level string
}

// New builds a *zap.SugaredLogger per cfg. Component is attached to every
// entry so logs from the relay and Bankster are easy to tell apart once
// interleaved.
func New(cfg Config, component string) (*zap.SugaredLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar().With("component", component), nil
}
