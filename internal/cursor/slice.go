package cursor

import (
	"context"

	"github.com/devrev/pairdb/tablestore/internal/model"
)

type sliceSource struct {
	schema *model.Schema
	rows   []*model.Row
	pos    int
}

// FromRows returns a cursor over rows held in memory
func FromRows(env *Env, schema *model.Schema, rows []*model.Row, ops ...Op) (*Base, error) {
	return New(env, &sliceSource{schema: schema, rows: rows}, ops...)
}

// FromTable returns a cursor over the rows of t
func FromTable(env *Env, t *model.Table, ops ...Op) (*Base, error) {
	return FromRows(env, t.Schema, t.Rows, ops...)
}

func (s *sliceSource) Schema() *model.Schema { return s.schema }

func (s *sliceSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	end := s.pos + n
	if end > len(s.rows) {
		end = len(s.rows)
	}
	out := append([]*model.Row(nil), s.rows[s.pos:end]...)
	s.pos = end
	return out, nil
}

func (s *sliceSource) Rewind() error {
	s.pos = 0
	return nil
}

func (s *sliceSource) Close() error { return nil }

// FuncSource adapts a generator function; rewind is unsupported unless
// RewindFn is set
type FuncSource struct {
	Fields   *model.Schema
	NextFn   func(ctx context.Context, n int) ([]*model.Row, error)
	RewindFn func() error
	CloseFn  func() error
}

func (f *FuncSource) Schema() *model.Schema { return f.Fields }

func (f *FuncSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	return f.NextFn(ctx, n)
}

func (f *FuncSource) Rewind() error {
	if f.RewindFn == nil {
		return errNotRewindable
	}
	return f.RewindFn()
}

func (f *FuncSource) Close() error {
	if f.CloseFn == nil {
		return nil
	}
	return f.CloseFn()
}
