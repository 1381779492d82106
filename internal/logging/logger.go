// Package logging builds the zap loggers used across the harvester.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger mode and minimum level. An empty Level means
// debug in development and info otherwise.
type Config struct {
	Development bool
	Level       string
}

// New builds the process logger. Every entry carries a service field so
// pipeline logs can be told apart from other emitters when shipped to a
// shared sink.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.DisableStacktrace = false
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.InitialFields = map[string]interface{}{"service": "harvester"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForPhase returns a child logger scoped to one pipeline phase.
func ForPhase(logger *zap.Logger, phase string) *zap.Logger {
	return logger.Named("phase").With(zap.String("phase", phase))
}

func parseLevel(cfg Config) (zapcore.Level, error) {
	if cfg.Level == "" {
		if cfg.Development {
			return zapcore.DebugLevel, nil
		}
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	return level, nil
}
