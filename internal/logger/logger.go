package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/amerfu/genmediator/internal/config"
)

var Logger *zap.Logger

func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	// CLI output goes to stdout, so logs default to stderr.
	switch cfg.OutputPath {
	case "", "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	case "stdout":
		zapConfig.OutputPaths = []string{"stdout"}
	default:
		zapConfig.OutputPaths = []string{cfg.OutputPath}
		zapConfig.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	Logger = logger

	return logger, nil
}

// ParseLevel maps a config level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func Get() *zap.Logger {
	if Logger == nil {
		logger, _ := zap.NewProduction()
		Logger = logger
		}
	return Logger
}

// Component returns a named child logger for one control layer.
func Component(name string) *zap.Logger {
	return Get().Named(name)
}

func NewRequestLogger(requestID string) *zap.Logger {
	return Get().With(zap.String("request_id", requestID))
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

func init() {
	if Logger == nil {
		var logger *zap.Logger
		if os.Getenv("ENV") == "production" {
			logger, _ = zap.NewProduction()
		} else {
			logger, _ = zap.NewDevelopment()
		}
		Logger = logger
		}
}
