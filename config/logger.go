package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func (l LogConfig) zapLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger: JSON output in production, the
// console encoder in development.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := l.zapLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// NewLogger builds the logger described by c.Log.
func (c *Config) NewLogger() (*zap.Logger, error) {
	return c.Log.NewLogger()
}
