package partition

import (
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

// CountField and SumPrefix name the aggregate columns of a cuboid
const (
	CountField = "count"
	SumPrefix  = "sum_"
)

func (t *table) cuboidPath(name string) string {
	return t.path + "." + name + cuboidSuffix
}

// CreateCuboid defines and builds a pre-aggregation grouping rows by dims
// with a row count and the sum of each measure
func (t *table) CreateCuboid(env *cursor.Env, name string, dims, measures []string) error {
	if name == "" || len(dims) == 0 {
		return storageerrors.InvalidArgument("cuboid needs a name and at least one dimension", nil)
	}
	if _, err := t.schema.Positions(append(append([]string(nil), dims...), measures...)); err != nil {
		return storageerrors.InvalidArgument("cuboid field not in partition", err)
	}
	for _, c := range t.trailer.Cuboids {
		if c.Name == name {
			return storageerrors.AlreadyExists(t.cuboidPath(name))
		}
	}
	def := blockfile.CuboidDef{Name: name, Dims: dims, Measures: measures}
	err := blockfile.UpdateTrailer(t.path, func(tr *blockfile.Trailer) error {
		tr.Cuboids = append(tr.Cuboids, def)
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.load(); err != nil {
		return err
	}
	return t.buildCuboid(env, def)
}

// ResetCuboid rebuilds every cuboid from the partition's rows
func (t *table) ResetCuboid(env *cursor.Env) error {
	for _, def := range t.trailer.Cuboids {
		if err := t.buildCuboid(env, def); err != nil {
			return err
		}
	}
	return nil
}

type cell struct {
	dims  []model.Value
	count int64
	sums  []decimal.Decimal
	seen  []bool
}

func (t *table) buildCuboid(env *cursor.Env, def blockfile.CuboidDef) error {
	fields := append(append([]string(nil), def.Dims...), def.Measures...)
	c, err := t.Cursor(env, CursorOptions{Fields: fields})
	if err != nil {
		return err
	}
	defer c.Close()

	nd := len(def.Dims)
	cells := make(map[string]*cell)
	err = cursor.Each(c, func(r *model.Row) error {
		dims := r.Values()[:nd]
		k := cursor.KeyString(dims)
		g, ok := cells[k]
		if !ok {
			g = &cell{
				dims: append([]model.Value(nil), dims...),
				sums: make([]decimal.Decimal, len(def.Measures)),
				seen: make([]bool, len(def.Measures)),
			}
			cells[k] = g
		}
		g.count++
		for i := range def.Measures {
			v := r.Get(nd + i)
			switch v.Kind() {
			case model.KindNull:
				continue
			case model.KindInt, model.KindLong, model.KindFloat, model.KindDecimal:
			default:
				return storageerrors.InvalidArgument(
					fmt.Sprintf("measure %q holds %s", def.Measures[i], v.Kind()), nil)
			}
			g.sums[i] = g.sums[i].Add(v.AsDecimal())
			g.seen[i] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	sorted := make([]*cell, 0, len(cells))
	for _, g := range cells {
		sorted = append(sorted, g)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return model.CompareSlices(sorted[i].dims, sorted[j].dims) < 0
	})

	declared := make([]string, 0, nd+1+len(def.Measures))
	for _, d := range def.Dims {
		declared = append(declared, model.KeyPrefix+d)
	}
	declared = append(declared, CountField)
	for _, m := range def.Measures {
		declared = append(declared, SumPrefix+m)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", t.cuboidPath(def.Name), uuid.NewString())
	w, err := blockfile.Create(tmp, blockfile.Header{Compression: t.header.Compression, Fields: declared})
	if err != nil {
		return err
	}
	schema := w.Schema()
	for _, g := range sorted {
		vals := make([]model.Value, 0, schema.Len())
		vals = append(vals, g.dims...)
		vals = append(vals, model.Long(g.count))
		for i, s := range g.sums {
			if g.seen[i] {
				vals = append(vals, model.Decimal(s))
			} else {
				vals = append(vals, model.Null())
			}
		}
		if err := w.Write(model.NewRow(schema, vals...)); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.cuboidPath(def.Name)); err != nil {
		os.Remove(tmp)
		return storageerrors.IO("failed to install cuboid", err).WithDetail("cuboid", def.Name)
	}
	env.Log().Debug("Built cuboid",
		zap.String("path", t.path),
		zap.String("cuboid", def.Name),
		zap.Int("cells", len(sorted)))
	return nil
}

// Cuboid opens a cursor over the aggregated cells of a cuboid, ordered by
// its dimensions
func (t *table) Cuboid(env *cursor.Env, name string) (cursor.Cursor, error) {
	found := false
	for _, c := range t.trailer.Cuboids {
		found = found || c.Name == name
	}
	if !found {
		return nil, storageerrors.NotFound(t.cuboidPath(name), nil).WithDetail("cuboid", name)
	}
	p, err := Open(env, t.cuboidPath(name))
	if err != nil {
		return nil, err
	}
	return p.Cursor(env, CursorOptions{})
}
