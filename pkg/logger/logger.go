// Package logger builds the zap loggers used by the gojostore binaries.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is the value of the "service" field when Config.Service is
// empty.
const DefaultService = "gojostore"

// Config holds the logger configuration.
type Config struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	// Unparseable levels fall back to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry.
	Service string `yaml:"service"`
}

// DefaultConfig logs info and above as JSON to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stderr", Service: DefaultService}
}

// New creates a logger from config. It is meant to be called once at
// startup; callers should Sync it before exiting.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}
	service := config.Service
	if service == "" {
		service = DefaultService
	}

	core := zapcore.NewCore(encoder(config.Format), ws, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", service))), nil
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func writeSyncer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		return zapcore.Lock(f), nil
	}
}
