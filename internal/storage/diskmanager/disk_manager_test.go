package diskmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
)

func fakeDisk(total, available uint64) func(string) (uint64, uint64, error) {
	return func(string) (uint64, uint64, error) { return total, available, nil }
}

func TestCheckBeforeWrite(t *testing.T) {
	dm, err := New(DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	dm.checkInterval = time.Hour

	dm.statfs = fakeDisk(1000, 500)
	require.NoError(t, dm.ForceCheck())
	assert.NoError(t, dm.CheckBeforeWrite(100))

	err = dm.CheckBeforeWrite(600)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeDiskFull), "got %v", err)

	dm.statfs = fakeDisk(1000, 20)
	require.NoError(t, dm.ForceCheck())
	assert.True(t, dm.Usage().Refusing)
	err = dm.CheckBeforeWrite(1)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeDiskFull))

	dm.statfs = fakeDisk(1000, 900)
	require.NoError(t, dm.ForceCheck())
	assert.False(t, dm.Usage().Refusing)
	assert.InDelta(t, 10.0, dm.Usage().UsagePercent, 0.001)
}

func TestNewNeedsDir(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
