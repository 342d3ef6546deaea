package facontrol

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger provides a logger writing human-readable lines to stderr, keeping stdout free for results
func NewLogger(level string) (*zap.SugaredLogger, error) {
	var zapLevel zapcore.Level

	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	loggerConfig.OutputPaths = []string{"stderr"}
	loggerConfig.ErrorOutputPaths = []string{"stderr"}

	// development mode would panic on DPanic and print stack traces on every warning
	loggerConfig.Development = false
	loggerConfig.DisableStacktrace = true

	// make it colorful
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	// no reason not to use the sugared logger - it's fast enough for anything we're gonna do
	return logger.Sugar(), nil
}
