package partition

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

// Range bounds the segment field, Lo <= v <= Hi. A null bound is open.
type Range struct {
	Lo, Hi model.Value
}

// Join is a foreign-key lookup applied while scanning
type Join struct {
	Table *cursor.LookupTable
	Keys  []string // fields of this partition matched against the table key
	Take  []string // table fields appended to each row
	Inner bool
}

// CursorOptions shapes a partition scan
type CursorOptions struct {
	// Fields to return, in order; nil returns every field. Names added by
	// Joins may be listed here.
	Fields []string

	// Filter runs on full rows before projection. FilterFields lists what
	// it reads so column partitions can skip the rest; nil means all.
	Filter       cursor.Predicate
	FilterFields []string

	Joins []Join

	// Segment restricts the scan to a range of the segment field (or the
	// first key field). Blocks whose min/max miss the range are skipped.
	Segment *Range
}

// segmentField returns the field used for range pruning, or -1
func (t *table) segmentField() int {
	if t.header.SegmentField != "" {
		return t.schema.Index(t.header.SegmentField)
	}
	if keys := t.schema.Keys(); len(keys) > 0 {
		return keys[0]
	}
	return -1
}

func (t *table) Cursor(env *cursor.Env, opts CursorOptions) (cursor.Cursor, error) {
	var ops []cursor.Op
	blocks := make([]int, 0, len(t.trailer.Blocks))
	pruned := 0

	seg := -1
	if opts.Segment != nil {
		if seg = t.segmentField(); seg < 0 {
			return nil, storageerrors.InvalidArgument("partition has no segment or key field", nil).
				WithDetail("path", t.path)
		}
		ops = append(ops, cursor.Where(t.schema.Field(seg), cursor.Between(opts.Segment.Lo, opts.Segment.Hi)))
	}
	for i, b := range t.trailer.Blocks {
		if seg >= 0 && !overlaps(b, seg, opts.Segment) {
			pruned++
			continue
		}
		blocks = append(blocks, i)
	}
	for i := 0; i < pruned; i++ {
		env.Stats().RecordBlockPruned()
	}

	if opts.Filter != nil {
		ops = append(ops, cursor.Filter(opts.Filter))
	}
	for _, j := range opts.Joins {
		ops = append(ops, cursor.Lookup(j.Table, j.Keys, j.Take, j.Inner))
	}
	if opts.Fields != nil {
		ops = append(ops, cursor.Project(opts.Fields...))
	}

	r, err := blockfile.Open(t.path)
	if err != nil {
		return nil, err
	}
	src := &blockSource{
		env:    env,
		r:      r,
		blocks: blocks,
	}
	if t.header.Layout == blockfile.LayoutColumn {
		src.want = t.columnsFor(opts, seg)
	}
	c, err := cursor.New(env, src, ops...)
	if err != nil {
		r.Close()
		return nil, err
	}
	return c, nil
}

// columnsFor returns the decode mask for a column scan, nil for all
func (t *table) columnsFor(opts CursorOptions, seg int) []bool {
	if opts.Fields == nil || (opts.Filter != nil && opts.FilterFields == nil) {
		return nil
	}
	want := make([]bool, t.schema.Len())
	mark := func(names []string) {
		for _, n := range names {
			if p := t.schema.Index(n); p >= 0 {
				want[p] = true
			}
		}
	}
	mark(opts.Fields)
	mark(opts.FilterFields)
	for _, j := range opts.Joins {
		mark(j.Keys)
	}
	if seg >= 0 {
		want[seg] = true
	}
	return want
}

func overlaps(b blockfile.BlockMeta, seg int, r *Range) bool {
	if len(b.Min) <= seg {
		return true
	}
	if !r.Lo.IsNull() && model.Compare(b.Max[seg], r.Lo) < 0 {
		return false
	}
	if !r.Hi.IsNull() && model.Compare(b.Min[seg], r.Hi) > 0 {
		return false
	}
	return true
}

// blockSource reads selected blocks of one file in order
type blockSource struct {
	env    *cursor.Env
	r      *blockfile.Reader
	blocks []int
	want   []bool
	next   int
	buf    []*model.Row
}

func (s *blockSource) Schema() *model.Schema { return s.r.Schema() }

func (s *blockSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	for len(s.buf) == 0 {
		if s.next >= len(s.blocks) {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i := s.blocks[s.next]
		rows, err := s.r.ReadBlock(i, s.want)
		if err != nil {
			return nil, err
		}
		s.env.Stats().RecordBlockRead(s.r.Trailer().Blocks[i].Length)
		s.next++
		s.buf = rows
	}
	k := n
	if k > len(s.buf) {
		k = len(s.buf)
	}
	out := s.buf[:k:k]
	s.buf = s.buf[k:]
	return out, nil
}

func (s *blockSource) Rewind() error {
	s.next = 0
	s.buf = nil
	return nil
}

func (s *blockSource) Close() error { return s.r.Close() }

// Find returns the row with the given primary key
func (t *table) Find(key ...model.Value) (*model.Row, bool, error) {
	keys := t.schema.Keys()
	if len(keys) == 0 {
		return nil, false, storageerrors.InvalidArgument("partition has no primary key", nil).
			WithDetail("path", t.path)
	}
	if len(key) != len(keys) {
		return nil, false, storageerrors.InvalidArgument(
			fmt.Sprintf("key has %d values, partition key has %d fields", len(key), len(keys)), nil)
	}

	blocks := t.trailer.Blocks
	lo, hi := 0, len(blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if model.CompareSlices(blocks[mid].LastKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(blocks) || model.CompareSlices(blocks[lo].FirstKey, key) > 0 {
		return nil, false, nil
	}

	r, err := blockfile.Open(t.path)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	rows, err := r.ReadBlock(lo, nil)
	if err != nil {
		return nil, false, err
	}
	i, j := 0, len(rows)
	for i < j {
		mid := (i + j) / 2
		if model.CompareSlices(rows[mid].Key(), key) < 0 {
			i = mid + 1
		} else {
			j = mid
		}
	}
	if i < len(rows) && model.CompareSlices(rows[i].Key(), key) == 0 {
		return rows[i], true, nil
	}
	return nil, false, nil
}
