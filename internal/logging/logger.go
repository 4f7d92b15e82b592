// Package logging builds the component-scoped zap loggers used across the
// module.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures a logger instance
type Config struct {
	Level       string `yaml:"level"`
	Component   string `yaml:"component"`
	Development bool   `yaml:"development"`
}

// NewLogger creates a new logger with the given configuration
func NewLogger(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return WithComponent(logger, cfg.Component), nil
}

// DefaultLogger creates a logger with default settings for a component
func DefaultLogger(component string) *zap.Logger {
	logger, err := NewLogger(Config{Level: "info", Component: component})
	if err != nil {
		return Nop()
	}
	return logger
}

// WithComponent scopes logger to a named component.
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	if logger == nil {
		logger = Nop()
	}
	if component == "" {
		return logger
	}
	return logger.Named(component).With(zap.String("component", component))
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
