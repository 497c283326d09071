package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

// Config represents the complete configuration for the table engine
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// TempDir holds spill files; empty uses the system temp directory
	TempDir           string        `yaml:"temp_dir"`
	MaxDiskUsage      float64       `yaml:"max_disk_usage"`
	WarnDiskUsage     float64       `yaml:"warn_disk_usage"`
	DiskCheckInterval time.Duration `yaml:"disk_check_interval"`
}

// EngineConfig holds cursor, file and worker settings
type EngineConfig struct {
	FetchSize   int    `yaml:"fetch_size"`
	BlockSize   int    `yaml:"block_size"`
	Layout      string `yaml:"layout"`
	Compression string `yaml:"compression"`
	SegmentRows int    `yaml:"segment_rows"`
	Workers     int    `yaml:"workers"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default(dataDir string) *Config {
	cfg := &Config{Storage: StorageConfig{DataDir: dataDir}}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/tablestore"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.95
	}
	if cfg.Storage.WarnDiskUsage == 0 {
		cfg.Storage.WarnDiskUsage = 0.8
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}

	if cfg.Engine.FetchSize == 0 {
		cfg.Engine.FetchSize = 1024
	}
	if cfg.Engine.BlockSize == 0 {
		cfg.Engine.BlockSize = blockfile.DefaultBlockSize
	}
	if cfg.Engine.Layout == "" {
		cfg.Engine.Layout = blockfile.LayoutRow.String()
	}
	if cfg.Engine.Compression == "" {
		cfg.Engine.Compression = blockfile.CompressionSnappy.String()
	}
	if cfg.Engine.SegmentRows == 0 {
		cfg.Engine.SegmentRows = 64 * 1024
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.MaxDiskUsage <= 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be in (0, 1]")
	}
	if c.Storage.WarnDiskUsage <= 0 || c.Storage.WarnDiskUsage > c.Storage.MaxDiskUsage {
		return fmt.Errorf("storage.warn_disk_usage must be in (0, max_disk_usage]")
	}
	if c.Engine.FetchSize < 0 || c.Engine.BlockSize < 0 || c.Engine.SegmentRows < 0 || c.Engine.Workers < 0 {
		return fmt.Errorf("engine sizes must not be negative")
	}
	if _, err := c.Engine.ParseLayout(); err != nil {
		return err
	}
	if _, err := blockfile.ParseCompression(c.Engine.Compression); err != nil {
		return fmt.Errorf("engine.compression: %w", err)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// ParseLayout returns the configured default file layout
func (e EngineConfig) ParseLayout() (blockfile.Layout, error) {
	switch e.Layout {
	case "row":
		return blockfile.LayoutRow, nil
	case "column":
		return blockfile.LayoutColumn, nil
	}
	return 0, fmt.Errorf("engine.layout must be row or column, got %q", e.Layout)
}

// Defaults returns the partition options the engine applies when a request
// names no layout or compression
func (e EngineConfig) Defaults() (blockfile.Layout, blockfile.Compression) {
	layout, _ := e.ParseLayout()
	comp, _ := blockfile.ParseCompression(e.Compression)
	return layout, comp
}

// DiskPercents returns the warning and refusal thresholds as percentages
func (s StorageConfig) DiskPercents() (warn, refuse float64) {
	return s.WarnDiskUsage * 100, s.MaxDiskUsage * 100
}

// BuildLogger builds the zap logger described by the logging section
func (l LoggingConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
