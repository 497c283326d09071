package partition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

var (
	testEnv = &cursor.Env{Logger: zap.NewNop(), FetchSize: 64}
	fields  = []string{"#id", "name", "grp", "amount"}
)

func rowsOf(schema *model.Schema, from, to int64) []*model.Row {
	var out []*model.Row
	for id := from; id < to; id++ {
		out = append(out, model.NewRow(schema,
			model.Long(id),
			model.String("n"+string(rune('a'+id%26))),
			model.Int(int32(id%4)),
			model.Long(id*10),
		))
	}
	return out
}

func newPartition(t *testing.T, opts string, n int64) Partition {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1.orders.tbl")
	p, err := Create(testEnv, path, CreateSpec{Fields: fields, Options: MustParseOptions(opts), BlockSize: 16})
	require.NoError(t, err)
	if n > 0 {
		appendRows(t, p, rowsOf(p.Schema(), 0, n))
	}
	return p
}

func appendRows(t *testing.T, p Partition, rows []*model.Row) {
	t.Helper()
	src, err := cursor.FromRows(testEnv, p.Schema(), rows)
	require.NoError(t, err)
	defer src.Close()
	n, err := p.Append(testEnv, src, Options{})
	require.NoError(t, err)
	require.Equal(t, int64(len(rows)), n)
}

func scan(t *testing.T, p Partition, opts CursorOptions) []*model.Row {
	t.Helper()
	c, err := p.Cursor(testEnv, opts)
	require.NoError(t, err)
	defer c.Close()
	rows, err := cursor.Collect(c)
	require.NoError(t, err)
	return rows
}

func idsOf(rows []*model.Row) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.Get(0).AsLong()
	}
	return out
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		in      string
		want    Options
		wantErr bool
	}{
		{in: "", want: Options{}},
		{in: "yc", want: Options{Overwrite: true, ColumnLayout: true}},
		{in: "wdpi", want: Options{DeleteAware: true, DeleteKey: true, PartitionByFirst: true, Immediate: true}},
		{in: "uz", wantErr: true},
		{in: "rc", wantErr: true},
		{in: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOptions(tt.in)
			if tt.wantErr {
				assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	o := MustParseOptions("zc")
	assert.Equal(t, blockfile.LayoutColumn, o.Layout(blockfile.LayoutRow))
	assert.Equal(t, blockfile.CompressionSnappy, o.Compression(blockfile.CompressionNone))
	assert.Equal(t, blockfile.CompressionZstd, o.Compression(blockfile.CompressionZstd))
	assert.Equal(t, blockfile.CompressionNone, MustParseOptions("u").Compression(blockfile.CompressionZstd))
	assert.True(t, o.ChangesLayout(blockfile.Header{Layout: blockfile.LayoutRow, Compression: blockfile.CompressionSnappy}))
}

func TestCreateAndOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.t.tbl")

	p, err := Create(testEnv, path, CreateSpec{Fields: fields})
	require.NoError(t, err)
	_, isRow := p.(*RowPartition)
	assert.True(t, isRow)
	assert.Equal(t, int64(0), p.Rows())

	_, err = Create(testEnv, path, CreateSpec{Fields: fields})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeAlreadyExists))

	p, err = Create(testEnv, path, CreateSpec{Fields: fields, Options: MustParseOptions("yc")})
	require.NoError(t, err)
	_, isCol := p.(*ColumnPartition)
	assert.True(t, isCol)

	reopened, err := Open(testEnv, path)
	require.NoError(t, err)
	assert.Equal(t, blockfile.LayoutColumn, reopened.Layout())
	assert.Equal(t, fields, reopened.Schema().Declared())

	_, err = Open(testEnv, filepath.Join(dir, "missing.tbl"))
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeNotFound))

	bad := filepath.Join(dir, "bad.tbl")
	require.NoError(t, os.WriteFile(bad, []byte("not a table file at all"), 0644))
	_, err = Open(testEnv, bad)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCorruptFile))
}

func TestDeleteKeyOptionAddsMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.log.tbl")
	p, err := Create(testEnv, path, CreateSpec{Fields: []string{"#id", "v"}, Options: MustParseOptions("d")})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Schema().DeleteField())
}

func TestLayoutsReadTheSameRows(t *testing.T) {
	for _, opts := range []string{"r", "c", "rz", "cu"} {
		t.Run(opts, func(t *testing.T) {
			p := newPartition(t, opts, 100)
			assert.Equal(t, int64(100), p.Rows())
			assert.Equal(t, 7, p.Info().Blocks)

			rows := scan(t, p, CursorOptions{})
			require.Len(t, rows, 100)
			assert.Equal(t, int64(99), rows[99].Get(0).AsLong())

			proj := scan(t, p, CursorOptions{Fields: []string{"amount", "id"}})
			require.Len(t, proj, 100)
			assert.Equal(t, int64(420), proj[42].Get(0).AsLong())
			assert.Equal(t, int64(42), proj[42].Get(1).AsLong())
		})
	}
}

func TestColumnPartitionColumn(t *testing.T) {
	p := newPartition(t, "c", 20)
	cp, ok := p.(*ColumnPartition)
	require.True(t, ok)
	c, err := cp.Column(testEnv, "grp")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"grp"}, c.Schema().Fields())
	n, err := cursor.Count(c)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestAppendIsAllOrNothing(t *testing.T) {
	p := newPartition(t, "", 10)

	bad := append(rowsOf(p.Schema(), 10, 40), rowsOf(p.Schema(), 5, 6)...)
	src, err := cursor.FromRows(testEnv, p.Schema(), bad)
	require.NoError(t, err)
	defer src.Close()
	_, err = p.Append(testEnv, src, MustParseOptions("i"))
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	reopened, err := Open(testEnv, p.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(10), reopened.Rows())
	assert.Len(t, scan(t, reopened, CursorOptions{}), 10)
}

func TestAppendMapsFieldsByName(t *testing.T) {
	p := newPartition(t, "", 0)
	in := model.NewSchema("name", "id")
	src, err := cursor.FromRows(testEnv, in, []*model.Row{
		model.NewRow(in, model.String("x"), model.Long(1)),
	})
	require.NoError(t, err)
	defer src.Close()
	_, err = p.Append(testEnv, src, Options{})
	require.NoError(t, err)

	row, ok, err := p.Find(model.Long(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", row.Get(1).AsString())
	assert.True(t, row.Get(2).IsNull())

	unknown := model.NewSchema("id", "color")
	src2, err := cursor.FromRows(testEnv, unknown, nil)
	require.NoError(t, err)
	defer src2.Close()
	_, err = p.Append(testEnv, src2, Options{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
}

func TestSegmentPruning(t *testing.T) {
	for _, opts := range []string{"r", "c"} {
		t.Run(opts, func(t *testing.T) {
			p := newPartition(t, opts, 100)
			rows := scan(t, p, CursorOptions{
				Fields:  []string{"id"},
				Segment: &Range{Lo: model.Long(25), Hi: model.Long(34)},
			})
			assert.Equal(t, []int64{25, 26, 27, 28, 29, 30, 31, 32, 33, 34}, idsOf(rows))

			open := scan(t, p, CursorOptions{Segment: &Range{Lo: model.Long(95)}})
			assert.Equal(t, []int64{95, 96, 97, 98, 99}, idsOf(open))
		})
	}

	unkeyed, err := Create(testEnv, filepath.Join(t.TempDir(), "u.tbl"), CreateSpec{Fields: []string{"a"}})
	require.NoError(t, err)
	_, err = unkeyed.Cursor(testEnv, CursorOptions{Segment: &Range{}})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
}

func TestFilterAndJoin(t *testing.T) {
	p := newPartition(t, "c", 40)
	groups := model.NewSchema("#grp", "label")
	dim, err := cursor.NewLookupTable("groups", groups, []string{"grp"}, []*model.Row{
		model.NewRow(groups, model.Int(1), model.String("one")),
		model.NewRow(groups, model.Int(3), model.String("three")),
	})
	require.NoError(t, err)

	rows := scan(t, p, CursorOptions{
		Fields:       []string{"id", "label"},
		Filter:       func(r *model.Row) (bool, error) { return r.Get(0).AsLong() < 10, nil },
		FilterFields: []string{"id"},
		Joins:        []Join{{Table: dim, Keys: []string{"grp"}, Take: []string{"label"}, Inner: true}},
	})
	assert.Equal(t, []int64{1, 3, 5, 7, 9}, idsOf(rows))
	assert.Equal(t, "three", rows[1].Get(1).AsString())
}

func TestFind(t *testing.T) {
	p := newPartition(t, "", 100)
	for _, id := range []int64{0, 15, 16, 63, 99} {
		row, ok, err := p.Find(model.Long(id))
		require.NoError(t, err)
		require.True(t, ok, "id %d", id)
		assert.Equal(t, id*10, row.Get(3).AsLong())
	}
	_, ok, err := p.Find(model.Long(100))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = p.Find(model.Long(-1))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = p.Find()
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
}

func TestUpdateAndDelete(t *testing.T) {
	p := newPartition(t, "", 50)
	mods := model.NewSchema("id", "amount")

	src, err := cursor.FromRows(testEnv, mods, []*model.Row{
		model.NewRow(mods, model.Long(7), model.Long(-1)),
		model.NewRow(mods, model.Long(3), model.Long(9999)),
		model.NewRow(mods, model.Long(500), model.Long(1)),
	})
	require.NoError(t, err)
	defer src.Close()
	n, err := p.Update(testEnv, src, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	row, ok, err := p.Find(model.Long(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9999), row.Get(3).AsLong())
	assert.Equal(t, "nd", row.Get(1).AsString(), "fields not in the update are kept")
	assert.Equal(t, int64(9999), p.Info().Max[3].AsLong(), "trailer stats follow the rewrite")
	assert.Equal(t, int64(-1), p.Info().Min[3].AsLong())
	assert.Equal(t, int64(50), p.Rows(), "unmatched keys are not inserted")

	keys := model.NewSchema("id")
	del, err := cursor.FromRows(testEnv, keys, []*model.Row{
		model.NewRow(keys, model.Long(10)),
		model.NewRow(keys, model.Long(2)),
		model.NewRow(keys, model.Long(77)),
	})
	require.NoError(t, err)
	defer del.Close()
	n, err = p.Delete(testEnv, del, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(48), p.Rows())
	_, ok, err = p.Find(model.Long(10))
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(filepath.Dir(p.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no rewrite files left behind")
}

func TestUpdateWithDeleteMarker(t *testing.T) {
	p := newPartition(t, "", 10)
	mods := model.NewSchema("id", "name", model.DeleteMarkerField)
	rows := []*model.Row{
		model.NewRow(mods, model.Long(1), model.Null(), model.Bool(true)),
		model.NewRow(mods, model.Long(2), model.String("two"), model.Bool(false)),
	}

	src, err := cursor.FromRows(testEnv, mods, rows)
	require.NoError(t, err)
	defer src.Close()
	_, err = p.Update(testEnv, src, Options{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	require.NoError(t, src.Reset())
	n, err := p.Update(testEnv, src, MustParseOptions("d"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []int64{0, 2, 3, 4, 5, 6, 7, 8, 9}, idsOf(scan(t, p, CursorOptions{})))
}

func TestUpdateNeedsKey(t *testing.T) {
	p, err := Create(testEnv, filepath.Join(t.TempDir(), "u.tbl"), CreateSpec{Fields: []string{"id", "v"}})
	require.NoError(t, err)
	src, err := cursor.FromRows(testEnv, p.Schema(), nil)
	require.NoError(t, err)
	defer src.Close()
	_, err = p.Delete(testEnv, src, Options{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
}

func TestIndex(t *testing.T) {
	p := newPartition(t, "c", 40)
	require.NoError(t, p.CreateIndex(testEnv, "by_grp", "grp"))
	err := p.CreateIndex(testEnv, "by_grp", "grp")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeAlreadyExists))

	rows, err := p.IndexLookup("by_grp", model.Int(2))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 6, 10, 14, 18, 22, 26, 30, 34, 38}, idsOf(rows))

	appendRows(t, p, rowsOf(p.Schema(), 40, 44))
	rows, err = p.IndexLookup("by_grp", model.Long(2))
	require.NoError(t, err)
	assert.Len(t, rows, 11, "appends rebuild the index")

	reopened, err := Open(testEnv, p.Path())
	require.NoError(t, err)
	rows, err = reopened.IndexLookup("by_grp", model.Int(3))
	require.NoError(t, err)
	assert.Len(t, rows, 11)

	_, err = reopened.IndexLookup("missing", model.Int(3))
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeNotFound))
}

func TestCuboid(t *testing.T) {
	p := newPartition(t, "", 20)
	require.NoError(t, p.CreateCuboid(testEnv, "by_grp", []string{"grp"}, []string{"amount"}))

	c, err := p.Cuboid(testEnv, "by_grp")
	require.NoError(t, err)
	cells, err := cursor.Collect(c)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Len(t, cells, 4)
	assert.Equal(t, []string{"grp", CountField, SumPrefix + "amount"}, c.Schema().Fields())

	// grp 1 holds ids 1,5,9,13,17
	assert.Equal(t, int64(5), cells[1].Get(1).AsLong())
	assert.Equal(t, "450", cells[1].Get(2).AsDecimal().String())

	keys := model.NewSchema("id")
	del, err := cursor.FromRows(testEnv, keys, []*model.Row{model.NewRow(keys, model.Long(1))})
	require.NoError(t, err)
	defer del.Close()
	_, err = p.Delete(testEnv, del, Options{})
	require.NoError(t, err)

	c, err = p.Cuboid(testEnv, "by_grp")
	require.NoError(t, err)
	defer c.Close()
	cells, err = cursor.Collect(c)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cells[1].Get(1).AsLong(), "rewrite rebuilds cuboids")
}

func TestRemoveAndMove(t *testing.T) {
	p := newPartition(t, "", 10)
	require.NoError(t, p.CreateIndex(testEnv, "by_grp", "grp"))
	require.NoError(t, p.AttachSubTable("detail"))
	assert.Equal(t, []string{"detail"}, p.SubTables())

	dst := filepath.Join(filepath.Dir(p.Path()), "1.renamed.tbl")
	require.NoError(t, Move(p.Path(), dst))
	assert.False(t, Exists(p.Path()))

	moved, err := Open(testEnv, dst)
	require.NoError(t, err)
	rows, err := moved.IndexLookup("by_grp", model.Int(1))
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	other := newPartition(t, "", 1)
	assert.True(t, storageerrors.HasCode(Move(other.Path(), dst), storageerrors.ErrCodeAlreadyExists))

	require.NoError(t, Remove(dst))
	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, Remove(dst), "removing a missing partition is not an error")
}

func TestCopyAs(t *testing.T) {
	p := newPartition(t, "", 40)
	require.NoError(t, p.CreateIndex(testEnv, "by_grp", "grp"))
	require.NoError(t, p.AttachSubTable("detail"))

	dst := filepath.Join(t.TempDir(), "1.copy.tbl")
	c, err := CopyAs(testEnv, p, dst, MustParseOptions("cu"), 8)
	require.NoError(t, err)
	assert.Equal(t, blockfile.LayoutColumn, c.Layout())
	info := c.Info()
	assert.Equal(t, "none", info.Compression)
	assert.Equal(t, 5, info.Blocks)
	assert.Equal(t, []string{"detail"}, c.SubTables())
	assert.Equal(t, idsOf(scan(t, p, CursorOptions{})), idsOf(scan(t, c, CursorOptions{})))

	rows, err := c.IndexLookup("by_grp", model.Int(1))
	require.NoError(t, err)
	assert.Len(t, rows, 10)

	_, err = CopyAs(testEnv, p, dst, Options{}, 0)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeAlreadyExists))

	again, err := CopyAs(testEnv, p, dst, MustParseOptions("y"), 0)
	require.NoError(t, err)
	assert.Equal(t, blockfile.LayoutRow, again.Layout())
	assert.Equal(t, 3, again.Info().Blocks)
}

func TestCopyAsDropsDeletedRows(t *testing.T) {
	p := newPartition(t, "d", 0)
	schema := p.Schema()
	del := schema.DeleteField()
	var rs []*model.Row
	for _, r := range rowsOf(schema, 0, 6) {
		r.Set(del, model.Bool(r.Get(0).AsLong()%2 == 0))
		rs = append(rs, r)
	}
	appendRows(t, p, rs)

	c, err := CopyAs(testEnv, p, filepath.Join(t.TempDir(), "1.live.tbl"), MustParseOptions("w"), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5}, idsOf(scan(t, c, CursorOptions{})))
	assert.Equal(t, int64(3), c.Rows())
}
