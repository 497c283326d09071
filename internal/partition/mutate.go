package partition

import (
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

// Mapper converts rows of one schema to another by field name. Fields
// missing from the input become null.
type Mapper struct {
	out *model.Schema
	pos []int // pos[i] is the input position of output field i, or -1
	raw bool
}

// NewMapper fails if in has a field out does not know
func NewMapper(in, out *model.Schema) (*Mapper, error) {
	m := &Mapper{out: out, pos: make([]int, out.Len())}
	for i := range m.pos {
		m.pos[i] = -1
	}
	for i, name := range in.Fields() {
		p := out.Index(name)
		if p < 0 {
			return nil, storageerrors.InvalidArgument(fmt.Sprintf("field %q not in table", name), nil).
				WithDetail("table", out.String())
		}
		m.pos[p] = i
	}
	m.raw = in.Len() == out.Len()
	for i, p := range m.pos {
		if p != i {
			m.raw = false
		}
	}
	return m, nil
}

// Map returns r laid out in the output schema
func (m *Mapper) Map(r *model.Row) *model.Row {
	if m.raw {
		return r
	}
	out := model.NewRow(m.out)
	for i, p := range m.pos {
		if p >= 0 {
			out.Set(i, r.Get(p))
		}
	}
	return out
}

// Append writes every remaining row of src, which stays open. Keyed
// partitions require src ordered by key and above the stored keys. Rows
// are appended all or nothing.
func (t *table) Append(env *cursor.Env, src cursor.Cursor, opts Options) (int64, error) {
	m, err := NewMapper(src.Schema(), t.schema)
	if err != nil {
		return 0, err
	}
	w, err := blockfile.OpenAppend(t.path)
	if err != nil {
		return 0, err
	}
	before := len(w.Trailer().Blocks)

	var n int64
	fail := func(err error) (int64, error) {
		if rerr := w.Rollback(); rerr != nil {
			env.Log().Error("Failed to roll back partition append",
				zap.String("path", t.path), zap.Error(rerr))
			err = multierr.Append(err, rerr)
		}
		return 0, err
	}
	for {
		rows, err := src.Fetch(0)
		if err != nil {
			return fail(err)
		}
		if rows == nil {
			break
		}
		for _, r := range rows {
			if err := w.Write(m.Map(r)); err != nil {
				return fail(err)
			}
		}
		n += int64(len(rows))
		if opts.Immediate {
			if err := w.Sync(); err != nil {
				return fail(err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	env.Stats().RecordMutation(n, 0, 0)
	env.Stats().RecordBlocksWritten(len(w.Trailer().Blocks) - before)
	env.Log().Debug("Appended rows", zap.String("path", t.path), zap.Int64("rows", n))
	if n == 0 {
		return 0, nil
	}
	return n, t.afterRewrite(env)
}

// Update replaces the non-key fields of rows matching each input row's
// key. With the d option input rows carrying a true _deleted field delete
// instead. Keys with no stored row are ignored. rows is drained, not closed.
func (t *table) Update(env *cursor.Env, rows cursor.Cursor, opts Options) (int64, error) {
	if !opts.DeleteKey && rows.Schema().DeleteField() >= 0 && t.schema.DeleteField() < 0 {
		return 0, storageerrors.InvalidArgument("update rows carry "+model.DeleteMarkerField+"; use option d", nil)
	}
	stats, err := t.rewrite(env, rows, false)
	if err != nil {
		return 0, err
	}
	env.Stats().RecordMutation(0, stats.Updated, stats.Deleted)
	return stats.Affected(), nil
}

// Delete removes rows whose key matches an input row. keys is drained,
// not closed.
func (t *table) Delete(env *cursor.Env, keys cursor.Cursor, opts Options) (int64, error) {
	stats, err := t.rewrite(env, keys, true)
	if err != nil {
		return 0, err
	}
	env.Stats().RecordMutation(0, 0, stats.Deleted)
	return stats.Deleted, nil
}

// rewrite merges sorted modifications into a sibling copy of the file and
// swaps it in when anything changed. With deleteAll every input row is
// treated as a delete of its key.
func (t *table) rewrite(env *cursor.Env, mods cursor.Cursor, deleteAll bool) (*cursor.MergeStats, error) {
	if !t.schema.HasKeys() {
		return nil, storageerrors.InvalidArgument("update and delete need a primary key", nil).
			WithDetail("path", t.path)
	}
	ms := mods.Schema()
	keyPos, err := ms.Positions(t.schema.KeyNames())
	if err != nil {
		return nil, storageerrors.InvalidArgument("modification rows lack key fields", err)
	}
	rows, err := cursor.Collect(mods)
	if err != nil {
		return nil, err
	}
	if deleteAll {
		ms, rows = deletions(t.schema.KeyNames(), keyPos, rows)
		keyPos = ms.Keys()
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return model.CompareRows(rows[i], rows[j], keyPos) < 0
	})

	base, err := t.Cursor(env, CursorOptions{})
	if err != nil {
		return nil, err
	}
	sorted, err := cursor.FromRows(env, ms, rows)
	if err != nil {
		base.Close()
		return nil, err
	}
	stats := &cursor.MergeStats{}
	merged, err := cursor.MergeDeletes(env, base, sorted, cursor.DeleteOptions{Stats: stats})
	if err != nil {
		return nil, multierr.Append(err, multierr.Append(base.Close(), sorted.Close()))
	}

	tmp := fmt.Sprintf("%s.%s.rewrite", t.path, uuid.NewString())
	if err := t.copyTo(env, tmp, merged); err != nil {
		merged.Close()
		return nil, err
	}
	if err := merged.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if stats.Affected() == 0 {
		os.Remove(tmp)
		return stats, nil
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return nil, storageerrors.IO("failed to replace partition file", err).WithDetail("path", t.path)
	}
	env.Log().Debug("Rewrote partition",
		zap.String("path", t.path),
		zap.Int64("updated", stats.Updated),
		zap.Int64("deleted", stats.Deleted))
	return stats, t.afterRewrite(env)
}

// deletions projects rows to their key and a true delete marker
func deletions(keyNames []string, keyPos []int, rows []*model.Row) (*model.Schema, []*model.Row) {
	declared := make([]string, 0, len(keyNames)+1)
	for _, k := range keyNames {
		declared = append(declared, model.KeyPrefix+k)
	}
	schema := model.NewSchema(append(declared, model.DeleteMarkerField)...)
	out := make([]*model.Row, len(rows))
	for i, r := range rows {
		vals := make([]model.Value, len(keyPos)+1)
		for j, p := range keyPos {
			vals[j] = r.Get(p)
		}
		vals[len(keyPos)] = model.Bool(true)
		out[i] = model.NewRow(schema, vals...)
	}
	return schema, out
}

// copyTo writes src into a new file at path with this partition's header
// and sidecar definitions
func (t *table) copyTo(env *cursor.Env, path string, src cursor.Cursor) error {
	w, err := blockfile.Create(path, t.header)
	if err != nil {
		return err
	}
	tr := w.Trailer()
	tr.Indexes = append(tr.Indexes, t.trailer.Indexes...)
	tr.Cuboids = append(tr.Cuboids, t.trailer.Cuboids...)
	tr.SubTables = append(tr.SubTables, t.trailer.SubTables...)

	if err := cursor.Each(src, w.Write); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	env.Stats().RecordBlocksWritten(len(tr.Blocks))
	return nil
}

// CopyAs writes the rows of p into a new partition at path, applying the
// layout and compression flags of opts and blockSize when positive. Index,
// cuboid and sub-table definitions carry over and sidecars are rebuilt.
// With the w option rows whose delete marker is true are dropped.
func CopyAs(env *cursor.Env, p Partition, path string, opts Options, blockSize int) (Partition, error) {
	t := tableOf(p)
	if t == nil {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("cannot copy %T", p), nil)
	}
	if Exists(path) {
		if !opts.Overwrite {
			return nil, storageerrors.AlreadyExists(path)
		}
		if err := Remove(path); err != nil {
			return nil, err
		}
	}

	var copts CursorOptions
	if del := t.schema.DeleteField(); opts.DeleteAware && del >= 0 {
		copts.Filter = func(r *model.Row) (bool, error) { return !r.IsDeleted(), nil }
	}
	src, err := t.Cursor(env, copts)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst := &table{path: path, logger: env.Log(), header: t.header, trailer: t.trailer}
	dst.header.Layout = opts.Layout(t.header.Layout)
	dst.header.Compression = opts.Compression(t.header.Compression)
	if blockSize > 0 {
		dst.header.BlockSize = blockSize
	}
	if err := dst.copyTo(env, path, src); err != nil {
		return nil, err
	}
	out, err := Open(env, path)
	if err != nil {
		return nil, err
	}
	if err := tableOf(out).afterRewrite(env); err != nil {
		return nil, multierr.Append(err, Remove(path))
	}
	return out, nil
}

func tableOf(p Partition) *table {
	switch v := p.(type) {
	case *RowPartition:
		return v.table
	case *ColumnPartition:
		return v.table
	}
	return nil
}
