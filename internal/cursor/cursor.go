// Package cursor implements pull-based row cursors: a base cursor that
// drives a Source through a chain of row operations, slice cursors, and the
// ordered merge family used to combine partitions.
package cursor

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

// Cursor is a closable iterator producing batches of rows.
//
// Fetch returns at most n rows (n <= 0 means the Env fetch size); a nil
// batch with a nil error means the cursor is exhausted. Close may be called
// from another goroutine, in which case an in-progress Fetch returns a
// Cancelled error. Close releases upstream cursors and temp files once.
type Cursor interface {
	Schema() *model.Schema
	Fetch(n int) ([]*model.Row, error)
	Skip(n int) (int, error)
	Reset() error
	Close() error
}

// Source feeds a Base cursor. Next returns an empty batch once exhausted;
// the returned slice belongs to the caller. Sources wrapping other cursors
// should also implement Interrupt.
type Source interface {
	Schema() *model.Schema
	Next(ctx context.Context, n int) ([]*model.Row, error)
	Rewind() error
	Close() error
}

var errNotRewindable = storageerrors.InvalidArgument("cursor source cannot be rewound", nil)

type interrupter interface {
	Interrupt()
}

// Interrupt flags c as closed without waiting for an in-progress Fetch.
// Resources are still released by Close.
func Interrupt(c interface{}) {
	if i, ok := c.(interrupter); ok {
		i.Interrupt()
	}
}

// Base drives a Source and applies row operations to every batch
type Base struct {
	env    *Env
	src    Source
	ops    []Op
	schema *model.Schema

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex // held while a fetch, skip or reset runs
	buf  []*model.Row
	done bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a cursor over src with ops applied in order
func New(env *Env, src Source, ops ...Op) (*Base, error) {
	ctx, cancel := context.WithCancel(env.Context())
	c := &Base{
		env:    env,
		src:    src,
		schema: src.Schema(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, op := range ops {
		if err := c.Add(op); err != nil {
			cancel()
			return nil, err
		}
	}
	env.Stats().CursorOpened()
	return c, nil
}

// Add appends a row operation; rows fetched afterwards pass through it
func (c *Base) Add(op Op) error {
	out, err := op.Bind(c.schema)
	if err != nil {
		return storageerrors.InvalidArgument("failed to bind row operation", err)
	}
	c.ops = append(c.ops, op)
	c.schema = out
	return nil
}

func (c *Base) Schema() *model.Schema { return c.schema }

// Context is cancelled when the cursor is closed
func (c *Base) Context() context.Context { return c.ctx }

func (c *Base) Fetch(n int) ([]*model.Row, error) {
	if c.closed.Load() {
		return nil, storageerrors.Cancelled("cursor is closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 {
		n = c.env.BatchSize()
	}
	for len(c.buf) < n && !c.done {
		if err := c.check(); err != nil {
			return nil, err
		}
		rows, err := c.src.Next(c.ctx, n-len(c.buf))
		if err != nil {
			if cerr := c.check(); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		if len(rows) == 0 {
			c.done = true
			break
		}
		for _, op := range c.ops {
			if rows, err = op.Apply(rows); err != nil {
				return nil, err
			}
		}
		c.buf = append(c.buf, rows...)
	}
	if err := c.check(); err != nil {
		return nil, err
	}

	if len(c.buf) == 0 {
		return nil, nil
	}
	k := n
	if k > len(c.buf) {
		k = len(c.buf)
	}
	out := c.buf[:k:k]
	c.buf = c.buf[k:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	c.env.Stats().RecordFetch(k)
	return out, nil
}

func (c *Base) check() error {
	if c.closed.Load() {
		c.env.Stats().RecordCancel()
		return storageerrors.Cancelled("cursor closed during fetch")
	}
	if err := c.ctx.Err(); err != nil {
		return storageerrors.Cancelled("cursor context done: " + err.Error())
	}
	return nil
}

// Skip discards up to n rows and reports how many were skipped
func (c *Base) Skip(n int) (int, error) {
	skipped := 0
	for skipped < n {
		want := n - skipped
		if bs := c.env.BatchSize(); want > bs {
			want = bs
		}
		rows, err := c.Fetch(want)
		if err != nil {
			return skipped, err
		}
		if rows == nil {
			break
		}
		skipped += len(rows)
	}
	return skipped, nil
}

// Reset restarts iteration from the original source
func (c *Base) Reset() error {
	if c.closed.Load() {
		return storageerrors.Cancelled("cursor is closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.src.Rewind(); err != nil {
		return err
	}
	c.buf = nil
	c.done = false
	return nil
}

// Interrupt marks the cursor closed and cancels its context
func (c *Base) Interrupt() {
	c.closed.Store(true)
	c.cancel()
	Interrupt(c.src)
}

// Close interrupts any fetch in flight, waits for it to return and then
// releases the source. Only the first call does any work.
func (c *Base) Close() error {
	c.closeOnce.Do(func() {
		c.Interrupt()
		c.mu.Lock()
		defer c.mu.Unlock()
		c.buf = nil
		c.closeErr = c.src.Close()
		if c.closeErr != nil {
			c.env.Log().Warn("Cursor close failed", zap.Error(c.closeErr))
		}
		c.env.Stats().CursorClosed()
	})
	return c.closeErr
}

// Collect fetches every remaining row
func Collect(c Cursor) ([]*model.Row, error) {
	var out []*model.Row
	for {
		rows, err := c.Fetch(0)
		if err != nil {
			return out, err
		}
		if rows == nil {
			return out, nil
		}
		out = append(out, rows...)
	}
}

// Count drains c and returns the number of rows
func Count(c Cursor) (int64, error) {
	var n int64
	err := Each(c, func(*model.Row) error {
		n++
		return nil
	})
	return n, err
}

// Each calls fn for every remaining row
func Each(c Cursor, fn func(*model.Row) error) error {
	for {
		rows, err := c.Fetch(0)
		if err != nil {
			return err
		}
		if rows == nil {
			return nil
		}
		for _, r := range rows {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
}
