package util

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevel reads LOG_LEVEL as a zap level number ("-1") or name ("debug").
func logLevel() zapcore.Level {
	logLevelEnv := os.Getenv("LOG_LEVEL")
	if logLevelInt, err := strconv.Atoi(logLevelEnv); err == nil {
		return zapcore.Level(logLevelInt)
	}
	if level, err := zapcore.ParseLevel(logLevelEnv); err == nil && logLevelEnv != "" {
		return level
	}
	return zapcore.InfoLevel
}

func initLogger() (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(logLevel())
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

func NewLogger() (*zap.Logger, func()) {
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}
