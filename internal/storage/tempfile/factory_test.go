package tempfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFactoryNewIsUnique(t *testing.T) {
	f, err := NewFactory(filepath.Join(t.TempDir(), "tmp"), zap.NewNop())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p, err := f.New("bucket")
		require.NoError(t, err)
		assert.False(t, seen[p])
		seen[p] = true
		_, err = os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	}
	assert.Equal(t, 50, f.Live())
}

func TestScopeReleaseRemovesFiles(t *testing.T) {
	f, err := NewFactory(t.TempDir(), nil)
	require.NoError(t, err)

	s := f.Scope()
	var paths []string
	for i := 0; i < 3; i++ {
		p, err := s.New("seg")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
		paths = append(paths, p)
	}
	// one path never materialized on disk
	_, err = s.New("seg")
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	}
	assert.Zero(t, f.Live())
	assert.Zero(t, s.Len())
}

func TestScopeForgetKeepsFile(t *testing.T) {
	f, err := NewFactory(t.TempDir(), nil)
	require.NoError(t, err)

	s := f.Scope()
	p, err := s.New("out")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, nil, 0644))

	s.Forget(p)
	require.NoError(t, s.Release())
	_, err = os.Stat(p)
	assert.NoError(t, err)
}
