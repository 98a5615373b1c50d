// Package logger builds the gateway's zap loggers: JSON for normal
// operation, console encoding for interactive runs. Every service in
// the bridge derives its own sub-logger from the process logger with a
// "component" field; this package only owns construction.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the process logger's level, encoding, and destination.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or a file path
}

// NewLogger constructs a zap.Logger from cfg. An unrecognized level
// falls back to info and an empty format to json — a bad logging knob
// must never keep the bridge from starting.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

// FromEnv builds the process logger from GATEWAY_LOG_LEVEL and
// GATEWAY_LOG_FORMAT (output via GATEWAY_LOG_PATH), defaulting to
// info-level JSON on stdout. The logging knobs live in the environment
// rather than config.jsonc because the logger must exist before the
// config store does.
func FromEnv() (*zap.Logger, error) {
	return NewLogger(Config{
		Level:      os.Getenv("GATEWAY_LOG_LEVEL"),
		Format:     os.Getenv("GATEWAY_LOG_FORMAT"),
		OutputPath: os.Getenv("GATEWAY_LOG_PATH"),
	})
}
