package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
)

// DiskManager watches the filesystem holding table files and refuses
// large rewrites when it is close to full
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	checkInterval time.Duration

	warningThreshold float64 // percent used that logs a warning
	refuseThreshold  float64 // percent used that refuses every rewrite

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	refusing       bool

	// statfs is replaced in tests
	statfs func(path string) (total, available uint64, err error)
}

// Config holds thresholds in percent of the filesystem
type Config struct {
	DataDir          string
	CheckInterval    time.Duration
	WarningThreshold float64
	RefuseThreshold  float64
}

// DefaultConfig returns the thresholds used when none are configured
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:          dataDir,
		CheckInterval:    10 * time.Second,
		WarningThreshold: 80.0,
		RefuseThreshold:  95.0,
	}
}

// New creates a disk manager and performs an initial check
func New(cfg Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, storageerrors.InvalidArgument("data directory is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{
		dataDir:          cfg.DataDir,
		logger:           logger,
		checkInterval:    cfg.CheckInterval,
		warningThreshold: cfg.WarningThreshold,
		refuseThreshold:  cfg.RefuseThreshold,
		statfs:           statfs,
	}
	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func statfs(path string) (uint64, uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return st.Blocks * uint64(st.Bsize), st.Bavail * uint64(st.Bsize), nil
}

// CheckBeforeWrite fails with DiskFull when the disk is past the refuse
// threshold or cannot hold estimatedBytes more
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.check(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
	if dm.refusing || estimatedBytes > dm.availableBytes {
		return storageerrors.DiskFull(dm.usagePercent, dm.availableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// check refreshes the cached usage; the lock must be held
func (dm *DiskManager) check() error {
	total, available, err := dm.statfs(dm.dataDir)
	if err != nil {
		return err
	}
	usage := 0.0
	if total > 0 {
		usage = float64(total-available) / float64(total) * 100.0
	}

	wasRefusing := dm.refusing
	dm.usagePercent = usage
	dm.availableBytes = available
	dm.lastCheck = time.Now()
	dm.refusing = usage >= dm.refuseThreshold

	switch {
	case dm.refusing && !wasRefusing:
		dm.logger.Error("Disk nearly full, refusing rewrites",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.refuseThreshold))
	case !dm.refusing && wasRefusing:
		dm.logger.Info("Disk usage back below threshold, accepting rewrites",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available))
	case usage >= dm.warningThreshold && !dm.refusing:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// Usage is a snapshot of the last check
type Usage struct {
	UsagePercent   float64
	AvailableBytes uint64
	Refusing       bool
	LastCheck      time.Time
}

// Usage returns cached statistics, refreshing them when stale
func (dm *DiskManager) Usage() Usage {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.check(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
	return Usage{
		UsagePercent:   dm.usagePercent,
		AvailableBytes: dm.availableBytes,
		Refusing:       dm.refusing,
		LastCheck:      dm.lastCheck,
	}
}

// ForceCheck refreshes the cached usage now
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.check()
}
