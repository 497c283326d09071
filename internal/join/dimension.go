package join

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/partition"
)

// Dimension is a keyed row set joined against a stream. It is read one
// key range at a time so only a segment needs to be in memory.
type Dimension interface {
	// Name prefixes appended fields that collide with source fields
	Name() string
	Schema() *model.Schema
	// KeyFields are matched, in order, against the join fields of the source
	KeyFields() []string
	// Boundaries returns ascending, distinct key tuples splitting the
	// dimension into segments of about segmentRows rows. M boundaries
	// make M+1 segments; segment i holds keys in [b[i-1], b[i]).
	Boundaries(env *cursor.Env, segmentRows int) ([][]model.Value, error)
	// Segment returns the rows with lo <= key < hi; a nil bound is open
	Segment(env *cursor.Env, lo, hi []model.Value) ([]*model.Row, error)
}

// inRange reports lo <= key < hi
func inRange(key, lo, hi []model.Value) bool {
	if lo != nil && model.CompareSlices(key, lo) < 0 {
		return false
	}
	return hi == nil || model.CompareSlices(key, hi) < 0
}

func keyOf(r *model.Row, pos []int) []model.Value {
	key := make([]model.Value, len(pos))
	for i, p := range pos {
		key[i] = r.Get(p)
	}
	return key
}

// boundaryPicker collects a boundary every n keys, never splitting equal
// keys between segments
type boundaryPicker struct {
	n    int
	seen int
	out  [][]model.Value
}

func newBoundaryPicker(n int) *boundaryPicker {
	return &boundaryPicker{n: n}
}

func (b *boundaryPicker) add(key []model.Value) {
	if b.seen > 0 && b.seen%b.n == 0 && !cursor.HasNull(key) {
		last := len(b.out) - 1
		if last < 0 || model.CompareSlices(key, b.out[last]) > 0 {
			b.out = append(b.out, key)
		}
	}
	b.seen++
}

// SliceDimension is an in-memory dimension
type SliceDimension struct {
	name   string
	schema *model.Schema
	keys   []string
	pos    []int
	rows   []*model.Row // sorted by key
}

// NewSliceDimension sorts a copy of rows by keyFields
func NewSliceDimension(name string, schema *model.Schema, keyFields []string, rows []*model.Row) (*SliceDimension, error) {
	pos, err := schema.Positions(keyFields)
	if err != nil {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("dimension %s", name), err)
	}
	if len(pos) == 0 {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("dimension %s has no key fields", name), nil)
	}
	sorted := append([]*model.Row(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return model.CompareRows(sorted[i], sorted[j], pos) < 0
	})
	return &SliceDimension{name: name, schema: schema, keys: keyFields, pos: pos, rows: sorted}, nil
}

func (d *SliceDimension) Name() string { return d.name }

func (d *SliceDimension) Schema() *model.Schema { return d.schema }

func (d *SliceDimension) KeyFields() []string { return d.keys }

func (d *SliceDimension) Boundaries(_ *cursor.Env, segmentRows int) ([][]model.Value, error) {
	if segmentRows <= 0 {
		return nil, nil
	}
	b := newBoundaryPicker(segmentRows)
	for _, r := range d.rows {
		b.add(keyOf(r, d.pos))
	}
	return b.out, nil
}

func (d *SliceDimension) Segment(_ *cursor.Env, lo, hi []model.Value) ([]*model.Row, error) {
	start := 0
	if lo != nil {
		start = sort.Search(len(d.rows), func(i int) bool {
			return model.CompareSlices(keyOf(d.rows[i], d.pos), lo) >= 0
		})
	}
	end := len(d.rows)
	if hi != nil {
		end = sort.Search(len(d.rows), func(i int) bool {
			return model.CompareSlices(keyOf(d.rows[i], d.pos), hi) >= 0
		})
	}
	if start >= end {
		return nil, nil
	}
	return d.rows[start:end], nil
}

// PartitionDimension reads segments from a keyed partition, pruning blocks
// by the first key field
type PartitionDimension struct {
	name string
	p    partition.Partition
	keys []string
	pos  []int
}

// NewPartitionDimension joins on keyFields, which must be a leading run of
// the partition's key; nil uses the whole key
func NewPartitionDimension(name string, p partition.Partition, keyFields []string) (*PartitionDimension, error) {
	pk := p.Schema().KeyNames()
	if keyFields == nil {
		keyFields = pk
	}
	if len(keyFields) == 0 || len(keyFields) > len(pk) {
		return nil, storageerrors.InvalidArgument(
			fmt.Sprintf("dimension %s: join fields %v must lead the key %v", name, keyFields, pk), nil)
	}
	for i, f := range keyFields {
		if pk[i] != f {
			return nil, storageerrors.InvalidArgument(
				fmt.Sprintf("dimension %s: join fields %v must lead the key %v", name, keyFields, pk), nil)
		}
	}
	pos, _ := p.Schema().Positions(keyFields)
	return &PartitionDimension{name: name, p: p, keys: keyFields, pos: pos}, nil
}

func (d *PartitionDimension) Name() string { return d.name }

func (d *PartitionDimension) Schema() *model.Schema { return d.p.Schema() }

func (d *PartitionDimension) KeyFields() []string { return d.keys }

// Boundaries scans only the key fields
func (d *PartitionDimension) Boundaries(env *cursor.Env, segmentRows int) ([][]model.Value, error) {
	if segmentRows <= 0 {
		return nil, nil
	}
	c, err := d.p.Cursor(env, partition.CursorOptions{Fields: d.keys})
	if err != nil {
		return nil, err
	}
	defer c.Close()
	b := newBoundaryPicker(segmentRows)
	all := make([]int, len(d.keys))
	for i := range all {
		all[i] = i
	}
	err = cursor.Each(c, func(r *model.Row) error {
		b.add(keyOf(r, all))
		return nil
	})
	return b.out, err
}

func (d *PartitionDimension) Segment(env *cursor.Env, lo, hi []model.Value) ([]*model.Row, error) {
	opts := partition.CursorOptions{
		Filter: func(r *model.Row) (bool, error) {
			return inRange(keyOf(r, d.pos), lo, hi), nil
		},
		FilterFields: d.keys,
	}
	if sf := d.p.Header().SegmentField; sf == "" || sf == d.keys[0] {
		rng := &partition.Range{}
		if lo != nil {
			rng.Lo = lo[0]
		}
		if hi != nil {
			rng.Hi = hi[0]
		}
		opts.Segment = rng
	}
	c, err := d.p.Cursor(env, opts)
	if err != nil {
		return nil, err
	}
	rows, err := cursor.Collect(c)
	return rows, multierr.Append(err, c.Close())
}
