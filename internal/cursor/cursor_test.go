package cursor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/tablestore/internal/compkey"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

var people = model.NewSchema("#id", "name")

func peopleRows(ids ...int64) []*model.Row {
	rows := make([]*model.Row, len(ids))
	for i, id := range ids {
		rows[i] = model.NewRow(people, model.Long(id), model.String("p"+string(rune('a'+id%26))))
	}
	return rows
}

func ids(t *testing.T, rows []*model.Row) []int64 {
	t.Helper()
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.Get(0).AsLong()
	}
	return out
}

func TestFetchBatches(t *testing.T) {
	c, err := FromRows(nil, people, peopleRows(1, 2, 3, 4, 5, 6, 7))
	require.NoError(t, err)
	defer c.Close()

	var sizes []int
	for {
		rows, err := c.Fetch(3)
		require.NoError(t, err)
		if rows == nil {
			break
		}
		sizes = append(sizes, len(rows))
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)

	rows, err := c.Fetch(3)
	require.NoError(t, err)
	assert.Nil(t, rows, "exhausted cursor keeps returning nil")
}

func TestSkipAndReset(t *testing.T) {
	c, err := FromRows(&Env{FetchSize: 2}, people, peopleRows(1, 2, 3, 4, 5))
	require.NoError(t, err)
	defer c.Close()

	n, err := c.Skip(3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rest, err := Collect(c)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, ids(t, rest))

	n, err = c.Skip(10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, c.Reset())
	all, err := Collect(c)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(t, all))
}

func TestResetUnsupported(t *testing.T) {
	c, err := New(nil, &FuncSource{
		Fields: people,
		NextFn: func(context.Context, int) ([]*model.Row, error) { return nil, nil },
	})
	require.NoError(t, err)
	err = c.Reset()
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
}

func TestRowOperations(t *testing.T) {
	even := Filter(func(r *model.Row) (bool, error) { return r.Get(0).AsLong()%2 == 0, nil })
	c, err := FromRows(nil, people, peopleRows(1, 2, 3, 4, 5, 6, 7, 8),
		even,
		Where("id", Between(model.Long(3), model.Null())),
		Project("name", "id"),
	)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"name", "id"}, c.Schema().Fields())
	rows, err := Collect(c)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, want := range []int64{4, 6, 8} {
		assert.Equal(t, want, rows[i].Get(1).AsLong())
	}
}

func TestBindErrors(t *testing.T) {
	_, err := FromRows(nil, people, nil, Project("missing"))
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	_, err = FromRows(nil, people, nil, Where("missing", Between(model.Null(), model.Null())))
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	cities := model.NewSchema("#code", "name", "country")
	dim, err := NewLookupTable("city", cities, []string{"code"}, []*model.Row{
		model.NewRow(cities, model.Long(1), model.String("Oslo"), model.String("NO")),
		model.NewRow(cities, model.Long(2), model.String("Lima"), model.String("PE")),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, dim.Len())

	visits := model.NewSchema("#id", "name", "city")
	rows := []*model.Row{
		model.NewRow(visits, model.Long(10), model.String("ann"), model.Int(2)),
		model.NewRow(visits, model.Long(11), model.String("bob"), model.Long(9)),
		model.NewRow(visits, model.Long(12), model.String("cid"), model.Null()),
		model.NewRow(visits, model.Long(13), model.String("dan"), model.Float(1)),
	}

	t.Run("outer", func(t *testing.T) {
		c, err := FromRows(nil, visits, rows, Lookup(dim, []string{"city"}, []string{"name", "country"}, false))
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, []string{"id", "name", "city", "city.name", "country"}, c.Schema().Fields())

		got, err := Collect(c)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "Lima", got[0].Get(3).AsString())
		assert.True(t, got[1].Get(3).IsNull())
		assert.True(t, got[2].Get(3).IsNull(), "null keys never match")
		assert.Equal(t, "Oslo", got[3].Get(3).AsString(), "integral float meets long key")
	})

	t.Run("inner", func(t *testing.T) {
		c, err := FromRows(nil, visits, rows, Lookup(dim, []string{"city"}, []string{"country"}, true))
		require.NoError(t, err)
		defer c.Close()
		got, err := Collect(c)
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 13}, ids(t, got))
	})
}

func TestKeyStringNormalizesNumbers(t *testing.T) {
	long := KeyString([]model.Value{model.Long(7)})
	assert.Equal(t, long, KeyString([]model.Value{model.Int(7)}))
	assert.Equal(t, long, KeyString([]model.Value{model.Float(7)}))
	assert.NotEqual(t, long, KeyString([]model.Value{model.Float(7.5)}))
	assert.NotEqual(t, long, KeyString([]model.Value{model.String("7")}))
}

func TestKeyStringFollowsCompare(t *testing.T) {
	dec := func(s string) model.Value { return model.Decimal(decimal.RequireFromString(s)) }
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seq := func(vs ...model.Value) model.Value { return model.Seq(vs...) }

	equal := [][2]model.Value{
		{dec("1.50"), dec("1.5")},
		{model.Float(2.5), dec("2.5")},
		{model.Float(0.1), dec("0.100")},
		{dec("-3.000"), model.Int(-3)},
		{dec("1e20"), dec("100000000000000000000.00")},
		{model.DateTime(day), model.Date(day)},
		{seq(dec("1.0"), model.Date(day)), seq(model.Long(1), model.DateTime(day))},
	}
	for _, pair := range equal {
		require.Equal(t, 0, model.Compare(pair[0], pair[1]), "%v vs %v", pair[0], pair[1])
		assert.Equal(t, KeyString(pair[:1]), KeyString(pair[1:]), "%v vs %v", pair[0], pair[1])
	}

	different := [][2]model.Value{
		{dec("1.5"), dec("1.05")},
		{model.Float(2.5), dec("2.51")},
		{model.DateTime(day.Add(time.Millisecond)), model.Date(day)},
		{dec("10"), dec("1")},
	}
	for _, pair := range different {
		require.NotEqual(t, 0, model.Compare(pair[0], pair[1]))
		assert.NotEqual(t, KeyString(pair[:1]), KeyString(pair[1:]), "%v vs %v", pair[0], pair[1])
	}
}

func TestPackKey(t *testing.T) {
	c, err := FromRows(nil, people, peopleRows(-2, 5), PackKey("_key", []string{"id"}, []int{4}))
	require.NoError(t, err)
	defer c.Close()

	rows, err := Collect(c)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	a, ok := compkey.FromValue(rows[0].Get(2))
	require.True(t, ok)
	b, ok := compkey.FromValue(rows[1].Get(2))
	require.True(t, ok)
	assert.True(t, a.Less(b))

	c2, err := FromRows(nil, people, peopleRows(1<<40), PackKey("_key", []string{"id"}, []int{2}))
	require.NoError(t, err)
	defer c2.Close()
	_, err = Collect(c2)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeKeyOverflow))
}

func tagged(source string, keys ...int64) []*model.Row {
	s := model.NewSchema("#id", "name")
	rows := make([]*model.Row, len(keys))
	for i, k := range keys {
		rows[i] = model.NewRow(s, model.Long(k), model.String(source))
	}
	return rows
}

func TestMergeOrderAndTieBreak(t *testing.T) {
	a, err := FromRows(nil, people, tagged("a", 1, 3, 3, 7))
	require.NoError(t, err)
	b, err := FromRows(nil, people, tagged("b", 2, 3, 8))
	require.NoError(t, err)
	c, err := FromRows(nil, people, tagged("c", 0, 3))
	require.NoError(t, err)
	empty, err := FromRows(nil, people, nil)
	require.NoError(t, err)

	m, err := MergeByKey(&Env{FetchSize: 2}, []Cursor{a, empty, b, c})
	require.NoError(t, err)
	defer m.Close()

	rows, err := Collect(m)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3, 3, 3, 3, 7, 8}, ids(t, rows))

	var order []string
	for _, r := range rows {
		if r.Get(0).AsLong() == 3 {
			order = append(order, r.Get(1).AsString())
		}
	}
	assert.Equal(t, []string{"a", "a", "b", "c"}, order)

	require.NoError(t, m.Reset())
	again, err := Collect(m)
	require.NoError(t, err)
	assert.Equal(t, ids(t, rows), ids(t, again))
}

func TestConcat(t *testing.T) {
	a, err := FromRows(nil, people, peopleRows(5, 6))
	require.NoError(t, err)
	empty, err := FromRows(nil, people, nil)
	require.NoError(t, err)
	b, err := FromRows(nil, people, peopleRows(1))
	require.NoError(t, err)

	c, err := Concat(nil, []Cursor{a, empty, b})
	require.NoError(t, err)
	defer c.Close()
	rows, err := Collect(c)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 1}, ids(t, rows))

	require.NoError(t, c.Reset())
	n, err := Count(c)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMergeValidation(t *testing.T) {
	_, err := Merge(nil, nil, nil)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	a, err := FromRows(nil, people, nil)
	require.NoError(t, err)
	other, err := FromRows(nil, model.NewSchema("#id", "city"), nil)
	require.NoError(t, err)
	_, err = MergeByKey(nil, []Cursor{a, other})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	unkeyed, err := FromRows(nil, model.NewSchema("id"), nil)
	require.NoError(t, err)
	_, err = MergeByKey(nil, []Cursor{unkeyed})
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
}

func TestMergeDeletes(t *testing.T) {
	base := model.NewSchema("#id", "name", "score")
	mods := model.NewSchema("#id", "score", model.DeleteMarkerField)

	baseRows := []*model.Row{
		model.NewRow(base, model.Long(1), model.String("a"), model.Long(10)),
		model.NewRow(base, model.Long(2), model.String("b"), model.Long(20)),
		model.NewRow(base, model.Long(2), model.String("b2"), model.Long(21)),
		model.NewRow(base, model.Long(4), model.String("d"), model.Long(40)),
		model.NewRow(base, model.Long(5), model.String("e"), model.Long(50)),
	}
	modRows := []*model.Row{
		model.NewRow(mods, model.Long(2), model.Null(), model.Bool(true)),
		model.NewRow(mods, model.Long(3), model.Long(33), model.Bool(false)),
		model.NewRow(mods, model.Long(4), model.Long(41), model.Bool(false)),
		model.NewRow(mods, model.Long(4), model.Long(42), model.Bool(false)),
		model.NewRow(mods, model.Long(9), model.Long(99), model.Null()),
	}

	run := func(t *testing.T, opts DeleteOptions) []*model.Row {
		b, err := FromRows(nil, base, baseRows)
		require.NoError(t, err)
		m, err := FromRows(nil, mods, modRows)
		require.NoError(t, err)
		c, err := MergeDeletes(&Env{FetchSize: 2}, b, m, opts)
		require.NoError(t, err)
		defer c.Close()
		rows, err := Collect(c)
		require.NoError(t, err)
		return rows
	}

	t.Run("update and delete", func(t *testing.T) {
		stats := &MergeStats{}
		rows := run(t, DeleteOptions{Stats: stats})
		assert.Equal(t, []int64{1, 4, 5}, ids(t, rows))
		assert.Equal(t, "d", rows[1].Get(1).AsString(), "fields absent from mods are kept")
		assert.Equal(t, int64(42), rows[1].Get(2).AsLong(), "last mod for a key wins")
		assert.Equal(t, MergeStats{Deleted: 2, Updated: 1}, *stats)
	})

	t.Run("upsert", func(t *testing.T) {
		stats := &MergeStats{}
		rows := run(t, DeleteOptions{Upsert: true, Stats: stats})
		assert.Equal(t, []int64{1, 3, 4, 5, 9}, ids(t, rows))
		assert.True(t, rows[1].Get(1).IsNull())
		assert.Equal(t, int64(33), rows[1].Get(2).AsLong())
		assert.Equal(t, int64(99), rows[4].Get(2).AsLong())
		assert.Equal(t, int64(5), stats.Affected())
	})

	t.Run("mods with unknown field", func(t *testing.T) {
		b, err := FromRows(nil, base, nil)
		require.NoError(t, err)
		m, err := FromRows(nil, model.NewSchema("#id", "color"), nil)
		require.NoError(t, err)
		_, err = MergeDeletes(nil, b, m, DeleteOptions{})
		assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))
	})
}

func TestCloseFromAnotherGoroutine(t *testing.T) {
	entered := make(chan struct{})
	var closed atomic.Int32
	src := &FuncSource{
		Fields: people,
		NextFn: func(ctx context.Context, n int) ([]*model.Row, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		CloseFn: func() error {
			closed.Add(1)
			return nil
		},
	}
	inner, err := New(nil, src)
	require.NoError(t, err)
	other, err := FromRows(nil, people, peopleRows(1))
	require.NoError(t, err)
	top, err := MergeByKey(nil, []Cursor{inner, other})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := top.Fetch(10)
		errc <- err
	}()

	<-entered
	require.NoError(t, top.Close())

	select {
	case err := <-errc:
		assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCancelled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after close")
	}

	require.NoError(t, top.Close())
	assert.Equal(t, int32(1), closed.Load(), "upstream released exactly once")

	_, err = top.Fetch(1)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCancelled))
}

func TestEnvContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := FromRows(&Env{Ctx: ctx}, people, peopleRows(1, 2))
	require.NoError(t, err)
	defer c.Close()

	cancel()
	_, err = c.Fetch(1)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCancelled))
}

func TestCountAndEach(t *testing.T) {
	c, err := FromRows(&Env{FetchSize: 4}, people, peopleRows(1, 2, 3, 4, 5, 6))
	require.NoError(t, err)
	defer c.Close()

	n, err := Count(c)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}
