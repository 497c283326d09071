package partition

import (
	"fmt"
	"os"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

const (
	indexSuffix  = ".idx"
	cuboidSuffix = ".cube"

	btreeDegree = 32
)

var indexFields = []string{"#value", "#block", "#row"}

// indexEntry locates one non-null field value
type indexEntry struct {
	value model.Value
	block int
	row   int
}

func lessEntry(a, b indexEntry) bool {
	if c := model.Compare(a.value, b.value); c != 0 {
		return c < 0
	}
	if a.block != b.block {
		return a.block < b.block
	}
	return a.row < b.row
}

type index struct {
	def  blockfile.IndexDef
	tree *btree.BTreeG[indexEntry]
}

func (t *table) indexPath(name string) string {
	return t.path + "." + name + indexSuffix
}

func (t *table) indexDef(name string) (blockfile.IndexDef, bool) {
	for _, d := range t.trailer.Indexes {
		if d.Name == name {
			return d, true
		}
	}
	return blockfile.IndexDef{}, false
}

// CreateIndex defines and builds a secondary index on field
func (t *table) CreateIndex(env *cursor.Env, name, field string) error {
	if name == "" {
		return storageerrors.InvalidArgument("index name is empty", nil)
	}
	if t.schema.Index(field) < 0 {
		return storageerrors.InvalidArgument(fmt.Sprintf("index field %q not in partition", field), nil)
	}
	if _, ok := t.indexDef(name); ok {
		return storageerrors.AlreadyExists(t.indexPath(name))
	}
	def := blockfile.IndexDef{Name: name, Field: field}
	err := blockfile.UpdateTrailer(t.path, func(tr *blockfile.Trailer) error {
		tr.Indexes = append(tr.Indexes, def)
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.load(); err != nil {
		return err
	}
	return t.buildIndex(env, def)
}

// ResetIndex rebuilds every index from the partition's rows
func (t *table) ResetIndex(env *cursor.Env) error {
	for _, def := range t.trailer.Indexes {
		if err := t.buildIndex(env, def); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) buildIndex(env *cursor.Env, def blockfile.IndexDef) error {
	pos := t.schema.Index(def.Field)
	tree := btree.NewG[indexEntry](btreeDegree, lessEntry)

	r, err := blockfile.Open(t.path)
	if err != nil {
		return err
	}
	defer r.Close()
	var want []bool
	if t.header.Layout == blockfile.LayoutColumn {
		want = make([]bool, t.schema.Len())
		want[pos] = true
	}
	for b := 0; b < r.NumBlocks(); b++ {
		rows, err := r.ReadBlock(b, want)
		if err != nil {
			return err
		}
		for i, row := range rows {
			if v := row.Get(pos); !v.IsNull() {
				tree.ReplaceOrInsert(indexEntry{value: v, block: b, row: i})
			}
		}
	}

	tmp := fmt.Sprintf("%s.%s.tmp", t.indexPath(def.Name), uuid.NewString())
	w, err := blockfile.Create(tmp, blockfile.Header{
		Compression: t.header.Compression,
		Fields:      indexFields,
	})
	if err != nil {
		return err
	}
	schema := w.Schema()
	tree.Ascend(func(e indexEntry) bool {
		err = w.Write(model.NewRow(schema, e.value, model.Long(int64(e.block)), model.Long(int64(e.row))))
		return err == nil
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.indexPath(def.Name)); err != nil {
		os.Remove(tmp)
		return storageerrors.IO("failed to install index", err).WithDetail("index", def.Name)
	}

	if t.indexes == nil {
		t.indexes = make(map[string]*index)
	}
	t.indexes[def.Name] = &index{def: def, tree: tree}
	env.Log().Debug("Built index",
		zap.String("path", t.path),
		zap.String("index", def.Name),
		zap.Int("entries", tree.Len()))
	return nil
}

// loadIndex reads an index sidecar into memory
func (t *table) loadIndex(name string) (*index, error) {
	if idx, ok := t.indexes[name]; ok {
		return idx, nil
	}
	def, ok := t.indexDef(name)
	if !ok {
		return nil, storageerrors.NotFound(t.indexPath(name), nil).WithDetail("index", name)
	}
	r, err := blockfile.Open(t.indexPath(name))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	tree := btree.NewG[indexEntry](btreeDegree, lessEntry)
	for b := 0; b < r.NumBlocks(); b++ {
		rows, err := r.ReadBlock(b, nil)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			tree.ReplaceOrInsert(indexEntry{
				value: row.Get(0),
				block: int(row.Get(1).AsLong()),
				row:   int(row.Get(2).AsLong()),
			})
		}
	}
	if t.indexes == nil {
		t.indexes = make(map[string]*index)
	}
	idx := &index{def: def, tree: tree}
	t.indexes[name] = idx
	return idx, nil
}

// IndexLookup returns the rows whose indexed field equals v, in file order
func (t *table) IndexLookup(name string, v model.Value) ([]*model.Row, error) {
	idx, err := t.loadIndex(name)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}

	var hits []indexEntry
	idx.tree.AscendGreaterOrEqual(indexEntry{value: v, block: -1, row: -1}, func(e indexEntry) bool {
		if model.Compare(e.value, v) != 0 {
			return false
		}
		hits = append(hits, e)
		return true
	})
	if len(hits) == 0 {
		return nil, nil
	}

	r, err := blockfile.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []*model.Row
	block, rows := -1, []*model.Row(nil)
	for _, h := range sortedByLocation(hits) {
		if h.block != block {
			if rows, err = r.ReadBlock(h.block, nil); err != nil {
				return nil, err
			}
			block = h.block
		}
		if h.row >= len(rows) {
			return nil, storageerrors.CorruptFile(t.indexPath(name), "entry past end of block", nil)
		}
		out = append(out, rows[h.row])
	}
	return out, nil
}

// sortedByLocation orders hits by block then row; numerically equal values
// of different kinds can interleave locations
func sortedByLocation(hits []indexEntry) []indexEntry {
	tree := btree.NewG[indexEntry](btreeDegree, func(a, b indexEntry) bool {
		if a.block != b.block {
			return a.block < b.block
		}
		return a.row < b.row
	})
	for _, h := range hits {
		tree.ReplaceOrInsert(h)
	}
	out := make([]indexEntry, 0, len(hits))
	tree.Ascend(func(e indexEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}
