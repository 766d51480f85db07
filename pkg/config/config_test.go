package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojostore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9100
storage:
  data_dir: /var/lib/gojostore
  page_cache:
    page_size: 8192
    flush_debounce: 20ms
    oom:
      max_attempts: 5
  wal:
    sync_on_append: false
    flush_interval: 250ms
    archive_checkpointed: true
  copy_rate_bytes_per_sec: 1048576
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, def.Logger.Service, cfg.Logger.Service)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 9100, cfg.Telemetry.PrometheusPort)
	assert.Equal(t, "gojostore", cfg.Telemetry.ServiceName)

	s := cfg.Storage
	assert.Equal(t, "/var/lib/gojostore", s.DataDir)
	assert.Equal(t, 8192, s.PageCache.PageSize)
	assert.Equal(t, def.Storage.PageCache.MaxDirtyPages, s.PageCache.MaxDirtyPages)
	assert.Equal(t, 20*time.Millisecond, s.PageCache.FlushDebounce)
	assert.Equal(t, 5, s.PageCache.OOM.MaxAttempts)
	assert.Equal(t, def.Storage.PageCache.OOM.BaseDelay, s.PageCache.OOM.BaseDelay)
	assert.False(t, s.WAL.SyncOnAppend)
	assert.Equal(t, 250*time.Millisecond, s.WAL.FlushInterval)
	assert.True(t, s.WAL.ArchiveCheckpointed)
	assert.Equal(t, def.Storage.WAL.SegmentSizeBytes, s.WAL.SegmentSizeBytes)
	assert.Equal(t, filepath.Join("/var/lib/gojostore", "wal"), s.WAL.Dir)
	assert.Equal(t, int64(1<<20), s.CopyRateBytesPerSec)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDataDir, cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join(DefaultDataDir, "wal"), cfg.Storage.WAL.Dir)
}

func TestParse_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":  "storage:\n  nope: 1\n",
		"page size":      "storage:\n  page_cache:\n    page_size: 1000\n",
		"probability":    "storage:\n  index:\n    probability: 1.5\n",
		"empty data dir": "storage:\n  data_dir: \"\"\n",
		"negative rate":  "storage:\n  copy_rate_bytes_per_sec: -1\n",
		"malformed yaml": "storage: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
