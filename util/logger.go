package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sync"
)

var (
	loggerMu sync.Mutex
	logger   *zap.Logger
)

func GetLogger(packageName, function string) *zap.Logger {
	loggerMu.Lock()
	if logger == nil {
		logger = buildLogger(loggerConfig())
	}
	l := logger
	loggerMu.Unlock()
	return l.With(zap.String("package", packageName), zap.String("function", function))
}

// SetLogger replaces the process logger. Tests pass zap.NewNop().
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func SetupLoggerConfig() {
	l := buildLogger(loggerConfig())
	SetLogger(l)
}

func loggerConfig() LoggerConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	if !loadedConfig.loaded {
		return LoggerConfig{Level: "info", Format: "json"}
	}
	return loadedConfig.Logger
}

func buildLogger(lc LoggerConfig) *zap.Logger {
	config := zap.NewProductionConfig()
	if lc.Format == "console" {
		config = zap.NewDevelopmentConfig()
	}
	// Test output owns stdout.
	config.OutputPaths = []string{"stderr"}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err == nil {
		config.Level = zap.NewAtomicLevelAt(level)
	}
	l, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
