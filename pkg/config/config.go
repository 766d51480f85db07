// Package config loads the YAML configuration shared by the gojostore
// binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

// DefaultDataDir is used when no data directory is configured.
const DefaultDataDir = "./data"

// Config is the top-level configuration file.
type Config struct {
	Logger    logger.Config        `yaml:"logger"`
	Telemetry telemetry.Config     `yaml:"telemetry"`
	Storage   storageengine.Config `yaml:"storage"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger:    logger.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Storage:   storageengine.DefaultConfig(DefaultDataDir),
	}
}

// Load reads the YAML file at path over Default. Unknown fields are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	// The log always lives inside the data directory.
	cfg.Storage.WAL.Dir = filepath.Join(cfg.Storage.DataDir, "wal")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	s := c.Storage
	switch {
	case s.DataDir == "":
		return errors.New("storage.data_dir must be set")
	case s.PageCache.PageSize < 0 || s.PageCache.PageSize&(s.PageCache.PageSize-1) != 0:
		return fmt.Errorf("storage.page_cache.page_size must be a power of two, got %d", s.PageCache.PageSize)
	case s.Index.Probability < 0 || s.Index.Probability >= 1:
		return fmt.Errorf("storage.index.probability must be in [0, 1), got %v", s.Index.Probability)
	case s.WAL.SegmentSizeBytes < 0:
		return fmt.Errorf("storage.wal.segment_size_bytes must not be negative, got %d", s.WAL.SegmentSizeBytes)
	case s.CopyRateBytesPerSec < 0:
		return fmt.Errorf("storage.copy_rate_bytes_per_sec must not be negative, got %d", s.CopyRateBytesPerSec)
	}
	return nil
}
