// Package join joins a row stream against dimensions that may not fit in
// memory. The stream is split into temp files by key ranges taken from the
// dimension, then each file is joined against the matching dimension
// segment alone.
package join

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/partition"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
	"github.com/devrev/pairdb/tablestore/internal/storage/tempfile"
)

// Type selects the join operator applied per bucket
type Type int

const (
	// Inner keeps source rows with a match, once per matching dimension row
	Inner Type = iota
	// Left is Inner plus unmatched source rows with null dimension fields
	Left
	// Semi keeps source rows with at least one match, unchanged
	Semi
	// Anti keeps source rows without a match, unchanged
	Anti
)

func (t Type) String() string {
	switch t {
	case Inner:
		return "inner"
	case Left:
		return "left"
	case Semi:
		return "semi"
	case Anti:
		return "anti"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// DefaultSegmentRows bounds the dimension rows held in memory at once
const DefaultSegmentRows = 64 * 1024

// Options shapes a segment join
type Options struct {
	Type Type
	// KeepOrder returns rows in source order instead of bucket order
	KeepOrder bool
	// SegmentRows is the target number of dimension rows per bucket
	SegmentRows int
}

// seqField tags rows with their source position when order is kept
const seqField = model.SeqField

type stage struct {
	dim    Dimension
	in     *model.Schema // rows routed into buckets
	out    *model.Schema // rows produced by the bucket joins
	keyPos []int         // join fields in in
	dimPos []int         // key fields in the dimension
	take   []int         // dimension fields appended to out
}

type joinSource struct {
	env    *cursor.Env
	src    cursor.Cursor
	opts   Options
	batch  int
	stages []*stage
	schema *model.Schema

	scope    *tempfile.Scope
	final    cursor.Cursor
	active   cursor.Cursor
	prepared bool
}

// Segment joins src against each dimension in turn. fields[i] lists the
// fields of the running result matched against dims[i].KeyFields(). Rows
// are spilled to temp files in batchSize-row blocks. The result owns src;
// closing it removes every temp file.
func Segment(env *cursor.Env, src cursor.Cursor, dims []Dimension, fields [][]string, opts Options, batchSize int) (cursor.Cursor, error) {
	if len(dims) == 0 {
		return nil, storageerrors.InvalidArgument("join needs at least one dimension", nil)
	}
	if len(fields) != len(dims) {
		return nil, storageerrors.InvalidArgument(
			fmt.Sprintf("join has %d dimensions but %d field lists", len(dims), len(fields)), nil)
	}
	if env.Temp == nil {
		return nil, storageerrors.InvalidArgument("join needs a temp file factory", nil)
	}
	if opts.SegmentRows <= 0 {
		opts.SegmentRows = DefaultSegmentRows
	}
	if batchSize <= 0 {
		batchSize = env.BatchSize()
	}

	in := model.NewSchema(src.Schema().Fields()...)
	if opts.KeepOrder {
		if in.Index(seqField) >= 0 {
			return nil, storageerrors.InvalidArgument(fmt.Sprintf("source already has a %s field", seqField), nil)
		}
		in = in.Append(seqField)
	}
	stages := make([]*stage, len(dims))
	for i, d := range dims {
		st, err := newStage(in, d, fields[i], opts.Type)
		if err != nil {
			return nil, err
		}
		stages[i] = st
		in = st.out
	}
	schema := in
	if opts.KeepOrder {
		schema = withoutField(in, seqField)
	}

	s := &joinSource{
		env:    env,
		src:    src,
		opts:   opts,
		batch:  batchSize,
		stages: stages,
		schema: schema,
		scope:  env.Temp.Scope(),
	}
	return cursor.New(env, s)
}

func newStage(in *model.Schema, d Dimension, fields []string, typ Type) (*stage, error) {
	if len(fields) != len(d.KeyFields()) {
		return nil, storageerrors.InvalidArgument(
			fmt.Sprintf("dimension %s joins on %v but got fields %v", d.Name(), d.KeyFields(), fields), nil)
	}
	keyPos, err := in.Positions(fields)
	if err != nil {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("join with %s", d.Name()), err)
	}
	dimPos, err := d.Schema().Positions(d.KeyFields())
	if err != nil {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("dimension %s", d.Name()), err)
	}
	st := &stage{dim: d, in: in, out: in, keyPos: keyPos, dimPos: dimPos}
	if typ == Inner || typ == Left {
		isKey := make(map[int]bool, len(dimPos))
		for _, p := range dimPos {
			isKey[p] = true
		}
		var names []string
		for i, f := range d.Schema().Fields() {
			if !isKey[i] {
				st.take = append(st.take, i)
				names = append(names, f)
			}
		}
		st.out = in.Append(cursor.OutputNames(in, d.Name(), names)...)
	}
	return st, nil
}

func withoutField(s *model.Schema, name string) *model.Schema {
	var keep []string
	for _, f := range s.Fields() {
		if f != name {
			keep = append(keep, f)
		}
	}
	return model.NewSchema(keep...)
}

func (s *joinSource) Schema() *model.Schema { return s.schema }

func (s *joinSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	if !s.prepared {
		if err := s.prepare(ctx); err != nil {
			if rerr := s.release(); rerr != nil {
				s.env.Log().Warn("Failed to release join files", zap.Error(rerr))
			}
			return nil, err
		}
		s.prepared = true
	}
	if s.final == nil {
		return nil, nil
	}
	return s.final.Fetch(n)
}

// prepare buckets the source for every stage and sets up the final read
func (s *joinSource) prepare(ctx context.Context) error {
	env := s.env.WithContext(ctx)
	var in cursor.Cursor = s.src
	for i, st := range s.stages {
		last := i == len(s.stages)-1
		buckets, err := s.bucketize(ctx, env, in, st, i == 0 && s.opts.KeepOrder)
		if in != s.src {
			err = multierr.Append(err, in.Close())
		}
		s.active = nil
		if err != nil {
			return err
		}

		cursors, err := s.bucketCursors(env, st, buckets)
		if err != nil {
			return err
		}
		if len(cursors) == 0 {
			empty, err := cursor.FromRows(env, s.schema, nil)
			if err != nil {
				return err
			}
			s.final = empty
			return nil
		}
		if !last {
			var c cursor.Cursor
			if s.opts.KeepOrder {
				c, err = s.restoreOrder(env, st.out, cursors)
			} else if c, err = cursor.Concat(env, cursors); err != nil {
				err = closeAll(err, cursors)
			}
			if err != nil {
				return err
			}
			in, s.active = c, c
			continue
		}
		var final cursor.Cursor
		if s.opts.KeepOrder {
			final, err = s.restoreOrder(env, st.out, cursors, cursor.Project(s.schema.Fields()...))
		} else if final, err = cursor.Concat(env, cursors); err != nil {
			err = closeAll(err, cursors)
		}
		if err != nil {
			return err
		}
		s.final = final
	}
	return nil
}

func closeAll(err error, cs []cursor.Cursor) error {
	for _, c := range cs {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

type bucket struct {
	path   string
	lo, hi []model.Value
}

// bucketize streams in into one temp file per key range of the stage's
// dimension. Rows whose key has a null only survive left and anti joins;
// they go to the first bucket where nothing matches them.
func (s *joinSource) bucketize(ctx context.Context, env *cursor.Env, in cursor.Cursor, st *stage, addSeq bool) ([]bucket, error) {
	start := time.Now()
	bounds, err := st.dim.Boundaries(env, s.opts.SegmentRows)
	if err != nil {
		return nil, err
	}
	buckets := make([]bucket, len(bounds)+1)
	for i := range buckets {
		if i > 0 {
			buckets[i].lo = bounds[i-1]
		}
		if i < len(bounds) {
			buckets[i].hi = bounds[i]
		}
	}

	writers := make([]*blockfile.Writer, len(buckets))
	abort := func(err error) ([]bucket, error) {
		for _, w := range writers {
			if w != nil {
				w.Abort()
			}
		}
		return nil, err
	}
	header := blockfile.Header{
		Layout:      blockfile.LayoutRow,
		Compression: blockfile.CompressionSnappy,
		BlockSize:   s.batch,
		Fields:      st.in.Fields(),
	}
	keepNull := s.opts.Type == Left || s.opts.Type == Anti

	var seq, routed int64
	for {
		if err := ctx.Err(); err != nil {
			return abort(storageerrors.Cancelled("join cancelled"))
		}
		rows, err := in.Fetch(s.batch)
		if err != nil {
			return abort(err)
		}
		if rows == nil {
			break
		}
		for _, r := range rows {
			if addSeq {
				vals := make([]model.Value, r.Len(), r.Len()+1)
				copy(vals, r.Values())
				r = model.NewRow(st.in, append(vals, model.Long(seq))...)
				seq++
			}
			key := keyOf(r, st.keyPos)
			idx := 0
			if cursor.HasNull(key) {
				if !keepNull {
					continue
				}
			} else {
				idx = sort.Search(len(bounds), func(j int) bool {
					return model.CompareSlices(key, bounds[j]) < 0
				})
			}
			if writers[idx] == nil {
				path, err := s.scope.New(fmt.Sprintf("join-%s-%d", st.dim.Name(), idx))
				if err != nil {
					return abort(storageerrors.IO("failed to allocate bucket file", err))
				}
				if writers[idx], err = blockfile.Create(path, header); err != nil {
					return abort(err)
				}
				buckets[idx].path = path
			}
			if err := writers[idx].Write(r); err != nil {
				return abort(err)
			}
			routed++
		}
	}
	for i, w := range writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			writers[i] = nil
			return abort(err)
		}
	}

	env.Stats().RecordBucketing(len(buckets), routed, time.Since(start).Seconds())
	env.Log().Debug("Bucketed join input",
		zap.String("dimension", st.dim.Name()),
		zap.Int("buckets", len(buckets)),
		zap.Int64("rows", routed))
	return buckets, nil
}

// bucketCursors returns a joined cursor for every non-empty bucket
func (s *joinSource) bucketCursors(env *cursor.Env, st *stage, buckets []bucket) ([]cursor.Cursor, error) {
	var out []cursor.Cursor
	for _, b := range buckets {
		if b.path == "" {
			continue
		}
		r, err := blockfile.Open(b.path)
		if err != nil {
			return nil, closeAll(err, out)
		}
		c, err := cursor.New(env, &bucketSource{
			env:   env,
			stage: st,
			typ:   s.opts.Type,
			r:     r,
			lo:    b.lo,
			hi:    b.hi,
		})
		if err != nil {
			r.Close()
			return nil, closeAll(err, out)
		}
		out = append(out, c)
	}
	return out, nil
}

// restoreOrder writes every bucket's output to its own temp file, each in
// sequence order, and merges them on the sequence field. Every stage input
// is kept in sequence order so bucket files stay sorted.
func (s *joinSource) restoreOrder(env *cursor.Env, schema *model.Schema, cursors []cursor.Cursor, ops ...cursor.Op) (cursor.Cursor, error) {
	header := blockfile.Header{
		Layout:      blockfile.LayoutRow,
		Compression: blockfile.CompressionSnappy,
		BlockSize:   s.batch,
		Fields:      schema.Fields(),
	}
	var sorted []cursor.Cursor
	fail := func(err error) (cursor.Cursor, error) {
		return nil, closeAll(closeAll(err, cursors), sorted)
	}
	for i, c := range cursors {
		path, err := s.scope.New("join-ordered")
		if err != nil {
			return fail(storageerrors.IO("failed to allocate ordered bucket file", err))
		}
		w, err := blockfile.Create(path, header)
		if err != nil {
			return fail(err)
		}
		if err := cursor.Each(c, w.Write); err != nil {
			w.Abort()
			return fail(err)
		}
		if err := w.Close(); err != nil {
			return fail(err)
		}
		cursors[i] = nil
		if err := c.Close(); err != nil {
			return fail(err)
		}
		p, err := partition.Open(env, path)
		if err != nil {
			return fail(err)
		}
		pc, err := p.Cursor(env, partition.CursorOptions{})
		if err != nil {
			return fail(err)
		}
		sorted = append(sorted, pc)
	}
	seqPos := schema.Index(seqField)
	c, err := cursor.Merge(env, sorted, cursor.ByFields([]int{seqPos}), ops...)
	if err != nil {
		return fail(err)
	}
	return c, nil
}

func (s *joinSource) Rewind() error {
	if err := s.release(); err != nil {
		return err
	}
	s.prepared = false
	return s.src.Reset()
}

// release closes the stage cursors and removes every temp file
func (s *joinSource) release() error {
	var err error
	if s.final != nil {
		err = s.final.Close()
		s.final = nil
	}
	if s.active != nil {
		err = multierr.Append(err, s.active.Close())
		s.active = nil
	}
	return multierr.Append(err, s.scope.Release())
}

func (s *joinSource) Interrupt() {
	cursor.Interrupt(s.src)
	if s.active != nil {
		cursor.Interrupt(s.active)
	}
}

func (s *joinSource) Close() error {
	return multierr.Append(s.release(), s.src.Close())
}
