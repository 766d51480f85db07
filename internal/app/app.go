// Package app wires configuration, logging, telemetry and the store
// together for the gojostore binaries.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

// Options select the configuration of a binary. Non-empty fields override
// the file.
type Options struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
}

// App is an opened store with its logger and telemetry.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Store  *storageengine.Store

	shutdownTelemetry telemetry.ShutdownFunc
}

// LoadConfig reads opts.ConfigPath (or the defaults) and applies overrides.
func LoadConfig(opts Options) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}
	if opts.DataDir != "" {
		cfg.Storage.DataDir = opts.DataDir
		cfg.Storage.WAL.Dir = filepath.Join(opts.DataDir, "wal")
	}
	if opts.LogLevel != "" {
		cfg.Logger.Level = opts.LogLevel
	}
	return cfg, cfg.Validate()
}

// Open loads the configuration and opens the store it describes.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	store, err := storageengine.Open(ctx, cfg.Storage, log, tel)
	if err != nil {
		return nil, multierr.Append(err, shutdown(ctx))
	}
	return &App{Config: cfg, Logger: log, Store: store, shutdownTelemetry: shutdown}, nil
}

// Close closes the store, then flushes telemetry and the logger.
func (a *App) Close(ctx context.Context) error {
	err := a.Store.Close()
	err = multierr.Append(err, a.shutdownTelemetry(ctx))
	_ = a.Logger.Sync()
	return err
}
