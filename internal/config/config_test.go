package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("storage:\n  data_dir: /data\n"))
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.Storage.DataDir)
	assert.Equal(t, 0.95, cfg.Storage.MaxDiskUsage)
	assert.Equal(t, 10*time.Second, cfg.Storage.DiskCheckInterval)
	assert.Equal(t, 1024, cfg.Engine.FetchSize)
	assert.Equal(t, blockfile.DefaultBlockSize, cfg.Engine.BlockSize)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)

	layout, comp := cfg.Engine.Defaults()
	assert.Equal(t, blockfile.LayoutRow, layout)
	assert.Equal(t, blockfile.CompressionSnappy, comp)

	warn, refuse := cfg.Storage.DiskPercents()
	assert.InDelta(t, 80.0, warn, 1e-9)
	assert.InDelta(t, 95.0, refuse, 1e-9)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  data_dir: /srv/tables
  temp_dir: /srv/tmp
engine:
  layout: column
  compression: zstd
  block_size: 512
logging:
  level: debug
  format: console
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/tmp", cfg.Storage.TempDir)
	assert.Equal(t, 512, cfg.Engine.BlockSize)
	layout, comp := cfg.Engine.Defaults()
	assert.Equal(t, blockfile.LayoutColumn, layout)
	assert.Equal(t, blockfile.CompressionZstd, comp)

	logger, err := cfg.Logging.BuildLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "disk usage above one", yaml: "storage:\n  max_disk_usage: 1.5\n"},
		{name: "warn above refuse", yaml: "storage:\n  max_disk_usage: 0.5\n  warn_disk_usage: 0.7\n"},
		{name: "layout", yaml: "engine:\n  layout: diagonal\n"},
		{name: "compression", yaml: "engine:\n  compression: lz4\n"},
		{name: "negative workers", yaml: "engine:\n  workers: -1\n"},
		{name: "port", yaml: "metrics:\n  port: 70000\n"},
		{name: "log level", yaml: "logging:\n  level: loud\n"},
		{name: "log format", yaml: "logging:\n  format: xml\n"},
		{name: "bad yaml", yaml: "storage: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	assert.NoError(t, Default("/tmp/x").Validate())
}
