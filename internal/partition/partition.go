// Package partition implements a physical table partition: one block file
// holding a subset of a logical table's rows, with optional secondary
// indexes and cuboids kept in sidecar files next to it.
package partition

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

// Partition is the capability set shared by row and column partitions.
// An instance owns its file; it is not safe for concurrent mutation.
type Partition interface {
	Path() string
	Schema() *model.Schema
	Header() blockfile.Header
	Layout() blockfile.Layout
	Rows() int64
	Info() Info

	Cursor(env *cursor.Env, opts CursorOptions) (cursor.Cursor, error)
	Append(env *cursor.Env, src cursor.Cursor, opts Options) (int64, error)
	Update(env *cursor.Env, rows cursor.Cursor, opts Options) (int64, error)
	Delete(env *cursor.Env, keys cursor.Cursor, opts Options) (int64, error)
	Find(key ...model.Value) (*model.Row, bool, error)

	CreateIndex(env *cursor.Env, name, field string) error
	ResetIndex(env *cursor.Env) error
	IndexLookup(name string, v model.Value) ([]*model.Row, error)

	CreateCuboid(env *cursor.Env, name string, dims, measures []string) error
	ResetCuboid(env *cursor.Env) error
	Cuboid(env *cursor.Env, name string) (cursor.Cursor, error)

	SubTables() []string
	AttachSubTable(name string) error

	Close() error
}

// CreateSpec describes a new partition file
type CreateSpec struct {
	Fields       []string // declared names; "#" marks key fields
	Distribute   string
	Options      Options
	BlockSize    int
	Layout       blockfile.Layout      // used when Options has neither r nor c
	Compression  blockfile.Compression // used when Options has neither u nor z
	SegmentField string
}

// Info summarizes a partition for maintenance tooling
type Info struct {
	Path         string
	Fields       []string
	Layout       string
	Compression  string
	BlockSize    int
	Distribute   string
	SegmentField string
	Rows         int64
	Blocks       int
	Bytes        int64
	Min          []model.Value
	Max          []model.Value
	Indexes      []blockfile.IndexDef
	Cuboids      []blockfile.CuboidDef
	SubTables    []string
}

// RowPartition stores whole rows per block
type RowPartition struct {
	*table
}

// ColumnPartition stores each block column by column so cursors decode only
// the fields they use
type ColumnPartition struct {
	*table
}

// Column streams the values of one field in file order
func (p *ColumnPartition) Column(env *cursor.Env, field string) (cursor.Cursor, error) {
	return p.Cursor(env, CursorOptions{Fields: []string{field}})
}

// Create makes a new partition file at path. An existing file fails with
// AlreadyExists unless the y option is set, in which case it is removed
// first along with its sidecars.
func Create(env *cursor.Env, path string, spec CreateSpec) (Partition, error) {
	if len(spec.Fields) == 0 {
		return nil, storageerrors.InvalidArgument("partition needs at least one field", nil)
	}
	fields := append([]string(nil), spec.Fields...)
	if spec.Options.DeleteKey && model.NewSchema(fields...).DeleteField() < 0 {
		fields = append(fields, model.DeleteMarkerField)
	}
	if spec.SegmentField != "" && model.NewSchema(fields...).Index(spec.SegmentField) < 0 {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("segment field %q not in fields", spec.SegmentField), nil)
	}

	if spec.Options.Overwrite {
		if err := Remove(path); err != nil {
			return nil, err
		}
	}

	h := blockfile.Header{
		Layout:       spec.Options.Layout(spec.Layout),
		Compression:  spec.Options.Compression(spec.Compression),
		BlockSize:    spec.BlockSize,
		Fields:       fields,
		Distribute:   spec.Distribute,
		SegmentField: spec.SegmentField,
	}
	w, err := blockfile.Create(path, h)
	if err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	env.Log().Debug("Created partition",
		zap.String("path", path),
		zap.String("layout", h.Layout.String()),
		zap.String("compression", h.Compression.String()))
	return Open(env, path)
}

// Open loads the partition at path; the header's layout picks the variant
func Open(env *cursor.Env, path string) (Partition, error) {
	t := &table{path: path, logger: env.Log()}
	if err := t.load(); err != nil {
		return nil, err
	}
	if t.header.Layout == blockfile.LayoutColumn {
		return &ColumnPartition{table: t}, nil
	}
	return &RowPartition{table: t}, nil
}

// Exists reports whether a partition file is present at path
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sidecars(path string) []string {
	var out []string
	for _, pattern := range []string{path + ".*" + indexSuffix, path + ".*" + cuboidSuffix} {
		matches, _ := filepath.Glob(pattern)
		out = append(out, matches...)
	}
	return out
}

// Remove deletes a partition file and its sidecars. A missing file is not
// an error.
func Remove(path string) error {
	var err error
	for _, p := range append([]string{path}, sidecars(path)...) {
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			err = multierr.Append(err, storageerrors.IO("failed to remove partition file", rerr).WithDetail("path", p))
		}
	}
	return err
}

// Move renames a partition file and its sidecars. It fails with
// AlreadyExists if to is occupied.
func Move(from, to string) error {
	if Exists(to) {
		return storageerrors.AlreadyExists(to)
	}
	if !Exists(from) {
		return storageerrors.NotFound(from, nil)
	}
	for _, sc := range sidecars(from) {
		dst := to + sc[len(from):]
		if err := os.Rename(sc, dst); err != nil {
			return storageerrors.IO("failed to move sidecar", err).WithDetail("path", sc)
		}
	}
	if err := os.Rename(from, to); err != nil {
		return storageerrors.IO("failed to move partition file", err).
			WithDetail("from", from).
			WithDetail("to", to)
	}
	return nil
}

// table holds the state shared by both layouts
type table struct {
	path    string
	logger  *zap.Logger
	header  blockfile.Header
	schema  *model.Schema
	trailer *blockfile.Trailer
	size    int64
	indexes map[string]*index
}

func (t *table) load() error {
	r, err := blockfile.Open(t.path)
	if err != nil {
		return err
	}
	t.header = *r.Header()
	t.schema = r.Schema()
	t.trailer = r.Trailer()
	t.size = r.Size()
	t.indexes = nil
	return r.Close()
}

func (t *table) Path() string { return t.path }

func (t *table) Schema() *model.Schema { return t.schema }

func (t *table) Header() blockfile.Header { return t.header }

func (t *table) Layout() blockfile.Layout { return t.header.Layout }

func (t *table) Rows() int64 { return t.trailer.Rows }

func (t *table) SubTables() []string {
	return append([]string(nil), t.trailer.SubTables...)
}

// AttachSubTable records a dependent table sharing this partitioning
func (t *table) AttachSubTable(name string) error {
	for _, s := range t.trailer.SubTables {
		if s == name {
			return nil
		}
	}
	err := blockfile.UpdateTrailer(t.path, func(tr *blockfile.Trailer) error {
		tr.SubTables = append(tr.SubTables, name)
		return nil
	})
	if err != nil {
		return err
	}
	return t.load()
}

func (t *table) Info() Info {
	return Info{
		Path:         t.path,
		Fields:       t.schema.Declared(),
		Layout:       t.header.Layout.String(),
		Compression:  t.header.Compression.String(),
		BlockSize:    t.header.BlockSize,
		Distribute:   t.header.Distribute,
		SegmentField: t.header.SegmentField,
		Rows:         t.trailer.Rows,
		Blocks:       len(t.trailer.Blocks),
		Bytes:        t.size,
		Min:          t.trailer.Min,
		Max:          t.trailer.Max,
		Indexes:      t.trailer.Indexes,
		Cuboids:      t.trailer.Cuboids,
		SubTables:    t.trailer.SubTables,
	}
}

// Close drops cached sidecar structures; files are opened per operation
func (t *table) Close() error {
	t.indexes = nil
	return nil
}

// afterRewrite reloads the trailer and rebuilds sidecars
func (t *table) afterRewrite(env *cursor.Env) error {
	if err := t.load(); err != nil {
		return err
	}
	return multierr.Append(t.ResetIndex(env), t.ResetCuboid(env))
}
