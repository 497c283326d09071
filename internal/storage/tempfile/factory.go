package tempfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Factory hands out unique temporary file paths under one directory and
// tracks which of them are still live
type Factory struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	live map[string]struct{}
}

// NewFactory creates the directory if needed
func NewFactory(dir string, logger *zap.Logger) (*Factory, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		dir:    dir,
		logger: logger,
		live:   make(map[string]struct{}),
	}, nil
}

// Dir returns the directory temp files are placed in
func (f *Factory) Dir() string { return f.dir }

// New returns a path that does not exist yet. The caller creates the file.
func (f *Factory) New(prefix string) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		path := filepath.Join(f.dir, fmt.Sprintf("%s-%s.tmp", prefix, uuid.NewString()))
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			continue
		}
		f.mu.Lock()
		if _, taken := f.live[path]; taken {
			f.mu.Unlock()
			continue
		}
		f.live[path] = struct{}{}
		f.mu.Unlock()
		return path, nil
	}
	return "", fmt.Errorf("failed to allocate a unique temp file in %s", f.dir)
}

// Release removes the file at path if it exists and stops tracking it
func (f *Factory) Release(path string) error {
	f.mu.Lock()
	delete(f.live, path)
	f.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("Failed to remove temp file", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("failed to remove temp file %s: %w", path, err)
	}
	return nil
}

// Live returns the number of paths handed out and not yet released
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Scope groups temp files that must be released together
func (f *Factory) Scope() *Scope {
	return &Scope{factory: f}
}

// Scope owns every path it allocates until Release or Forget
type Scope struct {
	factory *Factory

	mu    sync.Mutex
	paths []string
}

func (s *Scope) New(prefix string) (string, error) {
	path, err := s.factory.New(prefix)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	return path, nil
}

// ReleaseOne releases a single path early
func (s *Scope) ReleaseOne(path string) error {
	s.Forget(path)
	return s.factory.Release(path)
}

// Forget hands ownership of path back to the caller
func (s *Scope) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.paths {
		if p == path {
			s.paths = append(s.paths[:i], s.paths[i+1:]...)
			return
		}
	}
}

// Release removes every owned path. Safe to call more than once.
func (s *Scope) Release() error {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	var err error
	for _, p := range paths {
		err = multierr.Append(err, s.factory.Release(p))
	}
	return err
}

// Len returns the number of paths the scope still owns
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}
