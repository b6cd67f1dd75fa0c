package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelNone disables logging entirely.
const LevelNone = "none"

type Logger struct {
	*zap.Logger
}

func NewLogger(level string) (*Logger, error) {
	if level == LevelNone {
		return &Logger{zap.NewNop()}, nil
	}

	config := zap.NewProductionConfig()

	// Parse log level
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// NewDevelopment is used by the CLI, which prints human readable logs to stderr.
func NewDevelopment(level string) (*Logger, error) {
	if level == LevelNone {
		return &Logger{zap.NewNop()}, nil
	}

	config := zap.NewDevelopmentConfig()
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{logger}, nil
}

// WithStore tags every entry with the store directory.
func (l *Logger) WithStore(dir string) *zap.Logger {
	return l.With(zap.String("store", dir))
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
