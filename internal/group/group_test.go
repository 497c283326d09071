package group

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/partition"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
	"github.com/devrev/pairdb/tablestore/internal/storage/tempfile"
)

var fields = []string{"#id", "name"}

type fixture struct {
	root string
	temp *tempfile.Factory
	m    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	temp, err := tempfile.NewFactory(filepath.Join(root, "tmp"), zap.NewNop())
	require.NoError(t, err)
	m, err := NewManager(Config{
		Resolver:  DirResolver{Root: root},
		Env:       &cursor.Env{Logger: zap.NewNop(), FetchSize: 64, Temp: temp},
		Workers:   2,
		BlockSize: 50,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &fixture{root: root, temp: temp, m: m}
}

func rows(schema *model.Schema, from, to int64) []*model.Row {
	var out []*model.Row
	for i := from; i < to; i++ {
		out = append(out, model.NewRow(schema, model.Long(i), model.String(fmt.Sprintf("n%d", i))))
	}
	return out
}

func source(t *testing.T, schema *model.Schema, rs []*model.Row) cursor.Cursor {
	t.Helper()
	c, err := cursor.FromRows(nil, schema, rs)
	require.NoError(t, err)
	return c
}

func readIDs(t *testing.T, g *Group) []int64 {
	t.Helper()
	c, err := g.Cursor(context.Background(), partition.CursorOptions{})
	require.NoError(t, err)
	defer c.Close()
	var out []int64
	require.NoError(t, cursor.Each(c, func(r *model.Row) error {
		out = append(out, r.Get(0).AsLong())
		return nil
	}))
	return out
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// loadOrders creates a two-partition orders group holding ids 0..n-1
func (f *fixture) loadOrders(t *testing.T, n int64, opts string) *Group {
	t.Helper()
	g, err := f.m.Create("orders", []int{1, 2}, CreateRequest{
		Fields:     fields,
		Distribute: "mod(id)",
		Options:    partition.MustParseOptions(opts),
	})
	require.NoError(t, err)
	appended, err := g.Append(context.Background(), source(t, g.Schema(), rows(g.Schema(), 0, n)), partition.Options{})
	require.NoError(t, err)
	require.Equal(t, n, appended)
	return g
}

func TestCreateOpenExists(t *testing.T) {
	f := newFixture(t)
	ids := []int{1, 2}

	ok, err := f.m.Exists("orders", ids)
	require.NoError(t, err)
	assert.False(t, ok)

	g := f.loadOrders(t, 10, "")
	assert.Equal(t, "mod(id)", g.Rule().Expr())
	assert.FileExists(t, filepath.Join(f.root, "1.orders.tbl"))
	assert.FileExists(t, filepath.Join(f.root, "2.orders.tbl"))

	ok, err = f.m.Exists("orders", ids)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.m.Create("orders", ids, CreateRequest{Fields: fields})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeAlreadyExists), "got %v", err)

	reopened, err := f.m.Open("orders", ids, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), reopened.Rows())

	require.NoError(t, os.Remove(filepath.Join(f.root, "2.orders.tbl")))
	_, err = f.m.Exists("orders", ids)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodePartialGroup))
	_, err = f.m.Open("orders", ids, OpenOptions{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodePartialGroup))

	partial, err := f.m.Open("orders", ids, OpenOptions{AllowPartial: true})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, partial.IDs())
	assert.Equal(t, int64(5), partial.Rows())

	g, err = f.m.Create("orders", ids, CreateRequest{Fields: fields, Options: partition.MustParseOptions("y")})
	require.NoError(t, err)
	assert.Equal(t, int64(0), g.Rows())
	assert.Nil(t, g.Rule())

	_, err = f.m.Open("missing", ids, OpenOptions{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeNotFound))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		ids  []int
		req  CreateRequest
	}{
		{name: "", ids: []int{1}, req: CreateRequest{Fields: fields}},
		{name: "a/b", ids: []int{1}, req: CreateRequest{Fields: fields}},
		{name: "t", ids: nil, req: CreateRequest{Fields: fields}},
		{name: "t", ids: []int{1, 1}, req: CreateRequest{Fields: fields}},
		{name: "t", ids: []int{1}, req: CreateRequest{}},
		{name: "t", ids: []int{1}, req: CreateRequest{Fields: fields, Distribute: "mod(nope)"}},
	}
	for _, tt := range tests {
		_, err := f.m.Create(tt.name, tt.ids, tt.req)
		assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument), "%q %v: got %v", tt.name, tt.ids, err)
	}

	g, err := f.m.Create("byfirst", []int{1, 2}, CreateRequest{Fields: fields, Options: partition.MustParseOptions("p")})
	require.NoError(t, err)
	assert.Equal(t, "hash(id)", g.Rule().Expr())
}

func TestAppendRoutesAndMerges(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 1000, "")

	for i, p := range g.Partitions() {
		assert.Equal(t, int64(500), p.Rows(), "partition %d", g.IDs()[i])
		c, err := p.Cursor(nil, partition.CursorOptions{})
		require.NoError(t, err)
		require.NoError(t, cursor.Each(c, func(r *model.Row) error {
			assert.Equal(t, int64(i), r.Get(0).AsLong()%2)
			return nil
		}))
		c.Close()
	}
	assert.Equal(t, seq(0, 1000), readIDs(t, g))

	c, err := g.Cursor(context.Background(), partition.CursorOptions{Fields: []string{"name"}})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"name"}, c.Schema().Fields())
	first, err := c.Fetch(2)
	require.NoError(t, err)
	assert.Equal(t, "n0", first[0].Get(0).AsString())
	assert.Equal(t, "n1", first[1].Get(0).AsString())

	assert.Equal(t, 0, f.temp.Live(), "routing files released")
}

func TestAppendRoutingErrorLeavesGroupUntouched(t *testing.T) {
	f := newFixture(t)
	g, err := f.m.Create("byvalue", []int{1, 2}, CreateRequest{Fields: fields, Distribute: "value(id)"})
	require.NoError(t, err)

	_, err = g.Append(context.Background(), source(t, g.Schema(), rows(g.Schema(), 1, 4)), partition.Options{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument), "got %v", err)
	assert.Equal(t, int64(0), g.Rows())
	assert.Equal(t, 0, f.temp.Live())
}

func TestAppendWithoutRuleDealsRows(t *testing.T) {
	f := newFixture(t)
	g, err := f.m.Create("log", []int{1, 2, 3}, CreateRequest{Fields: []string{"id", "name"}})
	require.NoError(t, err)
	s := model.NewSchema("id", "name")
	n, err := g.Append(context.Background(), source(t, s, rows(s, 0, 9)), partition.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	for _, p := range g.Partitions() {
		assert.Equal(t, int64(3), p.Rows())
	}
	got := readIDs(t, g)
	assert.Equal(t, []int64{0, 3, 6, 1, 4, 7, 2, 5, 8}, got)
}

func TestReorganizeIntoOnePartition(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 1000, "")

	job, err := g.Reorganize(context.Background(), ReorganizeRequest{TargetIDs: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, model.ReorganizeSlow, job.Path)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, int64(1000), job.Rows)

	assert.Equal(t, []int{1}, g.IDs())
	assert.Equal(t, seq(0, 1000), readIDs(t, g))
	assert.NoFileExists(t, filepath.Join(f.root, "2.orders.tbl"))
	assert.NoFileExists(t, filepath.Join(f.root, "1.orders.reorg.tbl"))
	assert.NoFileExists(t, filepath.Join(f.root, "1.orders.old.tbl"))
}

func TestReorganizeFastChangesLayout(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 200, "r")

	job, err := g.Reorganize(context.Background(), ReorganizeRequest{
		Options:   partition.MustParseOptions("cu"),
		BlockSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReorganizeFast, job.Path)
	assert.Equal(t, int64(200), job.Rows)

	for _, p := range g.Partitions() {
		assert.Equal(t, blockfile.LayoutColumn, p.Layout())
		assert.Equal(t, blockfile.CompressionNone, p.Header().Compression)
		assert.Equal(t, 10, p.Info().Blocks)
	}
	assert.Equal(t, seq(0, 200), readIDs(t, g))
}

func TestReorganizeToTargetWithSubTable(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 30, "")

	items, err := g.Attach("items", []string{"#id", "#line", "qty"}, partition.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"items"}, g.SubTables())
	is := items.Schema()
	var itemRows []*model.Row
	for id := int64(0); id < 30; id++ {
		for line := int64(0); line < 2; line++ {
			itemRows = append(itemRows, model.NewRow(is, model.Long(id), model.Long(line), model.Long(id*10+line)))
		}
	}
	_, err = items.Append(context.Background(), source(t, is, itemRows), partition.Options{})
	require.NoError(t, err)

	_, err = g.Attach("items", []string{"#id", "#line"}, partition.Options{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeAlreadyExists))
	_, err = g.Attach("notes", []string{"#line", "text"}, partition.Options{})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	_, err = g.Reorganize(context.Background(), ReorganizeRequest{Target: "orders3", TargetIDs: []int{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, seq(0, 30), readIDs(t, g), "source untouched")

	out, err := f.m.Open("orders3", []int{1, 2, 3}, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, seq(0, 30), readIDs(t, out))
	sub, err := out.Sub("items")
	require.NoError(t, err)
	assert.Equal(t, int64(60), sub.Rows())
	for i := range out.Partitions() {
		parent := out.Partitions()[i]
		child := sub.Partitions()[i]
		c, err := child.Cursor(nil, partition.CursorOptions{})
		require.NoError(t, err)
		require.NoError(t, cursor.Each(c, func(r *model.Row) error {
			_, found, err := parent.Find(r.Get(0))
			require.NoError(t, err)
			assert.True(t, found, "item %d stays with its order", r.Get(0).AsLong())
			return nil
		}))
		c.Close()
	}

	_, err = g.Reorganize(context.Background(), ReorganizeRequest{Target: "orders3", TargetIDs: []int{1, 2, 3}})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeAlreadyExists))
}

func TestReorganizeWithModifications(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 10, "d")
	s := g.Schema()
	require.GreaterOrEqual(t, s.DeleteField(), 0)

	mods := []*model.Row{
		model.NewRow(s, model.Long(1), model.Null(), model.Bool(true)),
		model.NewRow(s, model.Long(2), model.String("renamed")),
		model.NewRow(s, model.Long(20), model.String("new")),
	}
	job, err := g.Reorganize(context.Background(), ReorganizeRequest{
		Options: partition.MustParseOptions("w"),
		Extra:   source(t, s, mods),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReorganizeSlow, job.Path)

	got := readIDs(t, g)
	assert.Equal(t, []int64{0, 2, 3, 4, 5, 6, 7, 8, 9, 20}, got)
	row, found, err := g.Partitions()[0].Find(model.Long(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "renamed", row.Get(1).AsString())
}

func TestReorganizeFailureKeepsSource(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 10, "")
	s := g.Schema()

	dup := source(t, s, rows(s, 5, 6))
	job, err := g.Reorganize(context.Background(), ReorganizeRequest{TargetIDs: []int{1}, Extra: dup})
	require.Error(t, err)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument), "got %v", err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.Error)

	assert.Equal(t, []int{1, 2}, g.IDs())
	assert.Equal(t, seq(0, 10), readIDs(t, g))
	assert.NoFileExists(t, filepath.Join(f.root, "1.orders.reorg.tbl"))
}

func TestReorganizeCancelled(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 100, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Reorganize(ctx, ReorganizeRequest{TargetIDs: []int{1}})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCancelled), "got %v", err)
	assert.Equal(t, seq(0, 100), readIDs(t, g))
}

func TestRenameAndDelete(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 10, "")
	_, err := g.Attach("items", []string{"#id", "#line"}, partition.Options{})
	require.NoError(t, err)

	_, err = f.m.Create("taken", []int{2}, CreateRequest{Fields: fields})
	require.NoError(t, err)
	err = g.Rename("taken")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeAlreadyExists), "got %v", err)
	assert.FileExists(t, filepath.Join(f.root, "1.orders.tbl"), "nothing moved")

	require.NoError(t, g.Rename("sales"))
	assert.Equal(t, "sales", g.Name())
	assert.Equal(t, seq(0, 10), readIDs(t, g))
	assert.FileExists(t, filepath.Join(f.root, "1.sales@items.tbl"))
	assert.NoFileExists(t, filepath.Join(f.root, "1.orders.tbl"))
	assert.NoFileExists(t, filepath.Join(f.root, "1.orders@items.tbl"))

	require.NoError(t, f.m.Delete("sales", []int{1, 2}))
	left, err := filepath.Glob(filepath.Join(f.root, "*.sales*"))
	require.NoError(t, err)
	assert.Empty(t, left)
	require.NoError(t, f.m.Delete("sales", []int{1, 2}), "deleting twice is fine")
}

func TestSubTablesListedInOrder(t *testing.T) {
	f := newFixture(t)
	g := f.loadOrders(t, 4, "")
	for _, s := range []string{"b", "a"} {
		_, err := g.Attach(s, []string{"#id"}, partition.Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b", "a"}, g.SubTables())
}
