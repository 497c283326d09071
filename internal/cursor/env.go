package cursor

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/metrics"
	"github.com/devrev/pairdb/tablestore/internal/storage/tempfile"
)

// DefaultFetchSize is used when neither the caller nor the Env sets one
const DefaultFetchSize = 1024

// Env is the execution context handed to every cursor constructor. A nil
// *Env is valid and behaves like an Env with all fields unset.
type Env struct {
	Ctx       context.Context
	Logger    *zap.Logger
	FetchSize int
	Temp      *tempfile.Factory
	Metrics   *metrics.Metrics
}

func (e *Env) Context() context.Context {
	if e == nil || e.Ctx == nil {
		return context.Background()
	}
	return e.Ctx
}

func (e *Env) Log() *zap.Logger {
	if e == nil || e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// BatchSize returns the fetch size rows are pulled in
func (e *Env) BatchSize() int {
	if e == nil || e.FetchSize <= 0 {
		return DefaultFetchSize
	}
	return e.FetchSize
}

func (e *Env) Stats() *metrics.Metrics {
	if e == nil {
		return nil
	}
	return e.Metrics
}

// WithContext returns a copy bound to ctx
func (e *Env) WithContext(ctx context.Context) *Env {
	var c Env
	if e != nil {
		c = *e
	}
	c.Ctx = ctx
	return &c
}
