package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the console logger shared by every stage.
// verbose forces debug level and adds caller information.
func NewLogger(level string, verbose bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}

	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	zc.DisableCaller = !verbose
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
