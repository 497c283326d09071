package cursor

import (
	"container/heap"
	"context"
	"fmt"

	"go.uber.org/multierr"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

// Comparator orders two rows of the same schema
type Comparator func(a, b *model.Row) int

// ByFields compares rows on the given positions
func ByFields(positions []int) Comparator {
	return func(a, b *model.Row) int {
		return model.CompareRows(a, b, positions)
	}
}

// ByPrimaryKey compares rows on the key fields of schema
func ByPrimaryKey(schema *model.Schema) (Comparator, error) {
	if !schema.HasKeys() {
		return nil, storageerrors.InvalidArgument("schema has no primary key", nil).
			WithDetail("schema", schema.String())
	}
	return ByFields(schema.Keys()), nil
}

// peeker buffers one upstream cursor and exposes its current row
type peeker struct {
	c    Cursor
	buf  []*model.Row
	pos  int
	done bool
}

func newPeeker(c Cursor) *peeker { return &peeker{c: c} }

// head returns the current row, fetching a batch when needed
func (p *peeker) head() (*model.Row, error) {
	if p.pos < len(p.buf) {
		return p.buf[p.pos], nil
	}
	if p.done {
		return nil, nil
	}
	rows, err := p.c.Fetch(0)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		p.done = true
		p.buf = nil
		return nil, nil
	}
	p.buf, p.pos = rows, 0
	return p.buf[0], nil
}

func (p *peeker) advance() { p.pos++ }

func (p *peeker) reset() error {
	if err := p.c.Reset(); err != nil {
		return err
	}
	p.buf, p.pos, p.done = nil, 0, false
	return nil
}

// mergeHeap orders input indexes by their head row; equal heads keep the
// lowest input index first
type mergeHeap struct {
	items []int
	heads []*model.Row
	cmp   Comparator
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := h.cmp(h.heads[a], h.heads[b]); c != 0 {
		return c < 0
	}
	return a < b
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(int)) }

func (h *mergeHeap) Pop() interface{} {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

type mergeSource struct {
	schema  *model.Schema
	inputs  []*peeker
	heap    *mergeHeap
	started bool
}

// Merge combines cursors that are each sorted ascending by cmp into one
// ascending cursor. Rows with equal keys come out in source order.
func Merge(env *Env, sources []Cursor, cmp Comparator, ops ...Op) (*Base, error) {
	if len(sources) == 0 {
		return nil, storageerrors.InvalidArgument("merge needs at least one source", nil)
	}
	schema := sources[0].Schema()
	for i, s := range sources[1:] {
		if !sameFields(schema, s.Schema()) {
			return nil, storageerrors.InvalidArgument(
				fmt.Sprintf("merge source %d has fields %v, want %v", i+1, s.Schema().Fields(), schema.Fields()), nil)
		}
	}

	src := &mergeSource{
		schema: schema,
		inputs: make([]*peeker, len(sources)),
		heap:   &mergeHeap{heads: make([]*model.Row, len(sources)), cmp: cmp},
	}
	for i, s := range sources {
		src.inputs[i] = newPeeker(s)
	}
	env.Stats().RecordMerge(len(sources))
	return New(env, src, ops...)
}

// MergeByKey merges on the primary key of the first source
func MergeByKey(env *Env, sources []Cursor, ops ...Op) (*Base, error) {
	if len(sources) == 0 {
		return nil, storageerrors.InvalidArgument("merge needs at least one source", nil)
	}
	cmp, err := ByPrimaryKey(sources[0].Schema())
	if err != nil {
		return nil, err
	}
	return Merge(env, sources, cmp, ops...)
}

func sameFields(a, b *model.Schema) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i, f := range a.Fields() {
		if b.Field(i) != f {
			return false
		}
	}
	return true
}

func (m *mergeSource) Schema() *model.Schema { return m.schema }

func (m *mergeSource) start() error {
	m.heap.items = m.heap.items[:0]
	for i, in := range m.inputs {
		row, err := in.head()
		if err != nil {
			return err
		}
		if row != nil {
			m.heap.heads[i] = row
			m.heap.items = append(m.heap.items, i)
		}
	}
	heap.Init(m.heap)
	m.started = true
	return nil
}

func (m *mergeSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	if !m.started {
		if err := m.start(); err != nil {
			return nil, err
		}
	}
	out := make([]*model.Row, 0, n)
	for len(out) < n && m.heap.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := m.heap.items[0]
		out = append(out, m.heap.heads[top])

		in := m.inputs[top]
		in.advance()
		row, err := in.head()
		if err != nil {
			return nil, err
		}
		if row != nil {
			m.heap.heads[top] = row
			heap.Fix(m.heap, 0)
		} else {
			m.heap.heads[top] = nil
			heap.Pop(m.heap)
		}
	}
	return out, nil
}

func (m *mergeSource) Rewind() error {
	for _, in := range m.inputs {
		if err := in.reset(); err != nil {
			return err
		}
	}
	m.started = false
	return nil
}

func (m *mergeSource) Interrupt() {
	for _, in := range m.inputs {
		Interrupt(in.c)
	}
}

func (m *mergeSource) Close() error {
	var err error
	for _, in := range m.inputs {
		err = multierr.Append(err, in.c.Close())
	}
	return err
}
