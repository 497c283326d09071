// Package group manages partition groups: one logical table stored as a set
// of partition files, one per partition id, with rows routed between them
// by a distribution rule.
package group

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	"github.com/devrev/pairdb/tablestore/internal/distribute"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/partition"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
	"github.com/devrev/pairdb/tablestore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/tablestore/internal/storage/tempfile"
	"github.com/devrev/pairdb/tablestore/internal/util/workerpool"
)

// Config wires a Manager
type Config struct {
	Resolver PathResolver
	Env      *cursor.Env

	// Disk, when set, is consulted before reorganizations
	Disk *diskmanager.DiskManager

	// Workers bounds parallel per-partition rewrites
	Workers int

	// Defaults for new partitions
	BlockSize   int
	Layout      blockfile.Layout
	Compression blockfile.Compression
}

// Manager creates, opens and maintains partition groups
type Manager struct {
	resolver PathResolver
	env      *cursor.Env
	disk     *diskmanager.DiskManager
	pool     *workerpool.Pool

	blockSize   int
	layout      blockfile.Layout
	compression blockfile.Compression
}

// NewManager validates cfg and starts the rewrite worker pool. An Env
// without a temp factory gets one in the system temp directory.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Resolver == nil {
		return nil, storageerrors.InvalidArgument("group manager needs a path resolver", nil)
	}
	env := cfg.Env.WithContext(cfg.Env.Context())
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Temp == nil {
		f, err := tempfile.NewFactory("", env.Logger)
		if err != nil {
			return nil, storageerrors.IO("failed to set up temp files", err)
		}
		env.Temp = f
	}
	return &Manager{
		resolver: cfg.Resolver,
		env:      env,
		disk:     cfg.Disk,
		pool: workerpool.New(workerpool.Config{
			Name:    "reorganize",
			Workers: cfg.Workers,
			Logger:  env.Logger,
		}),
		blockSize:   cfg.BlockSize,
		layout:      cfg.Layout,
		compression: cfg.Compression,
	}, nil
}

// Close stops the worker pool
func (m *Manager) Close() error {
	return m.pool.Stop(30 * time.Second)
}

func (m *Manager) logger() *zap.Logger { return m.env.Log() }

func (m *Manager) paths(name string, ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = m.resolver.Path(name, id)
	}
	return out
}

// CreateRequest describes a new group
type CreateRequest struct {
	Fields       []string // declared names; "#" marks key fields
	Distribute   string   // e.g. "mod(id)"; empty with option p hashes the first field
	Options      partition.Options
	BlockSize    int
	SegmentField string

	// Layout and Compression apply when Options has no layout or
	// compression flag; zero means the manager default
	Layout      blockfile.Layout
	Compression blockfile.Compression
}

// Create makes one partition file per id. Existing files fail the call
// with AlreadyExists before anything is written, unless option y is set,
// in which case they are removed first.
func (m *Manager) Create(name string, ids []int, req CreateRequest) (*Group, error) {
	if err := validName("group", name); err != nil {
		return nil, err
	}
	return m.create(name, ids, req)
}

func (m *Manager) create(name string, ids []int, req CreateRequest) (*Group, error) {
	if err := validIDs(ids); err != nil {
		return nil, err
	}
	if len(req.Fields) == 0 {
		return nil, storageerrors.InvalidArgument("group needs at least one field", nil)
	}
	schema := model.NewSchema(req.Fields...)
	expr := req.Distribute
	if expr == "" && req.Options.PartitionByFirst {
		expr = distribute.ByFirstField(schema)
	}
	if _, err := distribute.Parse(expr, schema); err != nil {
		return nil, err
	}

	paths := m.paths(name, ids)
	var existing []string
	for _, p := range paths {
		if partition.Exists(p) {
			existing = append(existing, p)
		}
	}
	if len(existing) > 0 {
		if !req.Options.Overwrite {
			return nil, storageerrors.AlreadyExists(existing[0]).WithDetail("group", name)
		}
		var err error
		for _, id := range ids {
			err = multierr.Append(err, m.removeWithSubs(name, id))
		}
		if err != nil {
			return nil, err
		}
	}

	blockSize := req.BlockSize
	if blockSize <= 0 {
		blockSize = m.blockSize
	}
	opts := req.Options
	opts.Overwrite = false
	spec := partition.CreateSpec{
		Fields:       req.Fields,
		Distribute:   expr,
		Options:      opts,
		BlockSize:    blockSize,
		Layout:       m.layout,
		Compression:  m.compression,
		SegmentField: req.SegmentField,
	}
	if req.Layout != 0 {
		spec.Layout = req.Layout
	}
	if req.Compression != 0 {
		spec.Compression = req.Compression
	}

	parts := make([]partition.Partition, 0, len(ids))
	for _, p := range paths {
		part, err := partition.Create(m.env, p, spec)
		if err != nil {
			for _, done := range parts {
				err = multierr.Append(err, partition.Remove(done.Path()))
			}
			return nil, err
		}
		parts = append(parts, part)
	}

	m.logger().Info("Created partition group",
		zap.String("name", name),
		zap.Ints("ids", ids),
		zap.String("distribute", expr))
	return m.newGroup(name, ids, parts)
}

// OpenOptions relaxes Open
type OpenOptions struct {
	// AllowPartial opens the partitions that exist instead of failing
	// with PartialGroup
	AllowPartial bool
}

// Open loads every partition of the group. Missing files fail with
// PartialGroup, or NotFound when none exist.
func (m *Manager) Open(name string, ids []int, opts OpenOptions) (*Group, error) {
	if err := validIDs(ids); err != nil {
		return nil, err
	}
	var missing []string
	var present []int
	for _, id := range ids {
		p := m.resolver.Path(name, id)
		if partition.Exists(p) {
			present = append(present, id)
		} else {
			missing = append(missing, p)
		}
	}
	if len(present) == 0 {
		return nil, storageerrors.NotFound(name, nil).WithDetail("ids", ids)
	}
	if len(missing) > 0 {
		if !opts.AllowPartial {
			return nil, storageerrors.PartialGroup(name, missing)
		}
		m.logger().Warn("Opening partial group",
			zap.String("name", name),
			zap.Strings("missing", missing))
	}

	parts := make([]partition.Partition, 0, len(present))
	for _, id := range present {
		part, err := partition.Open(m.env, m.resolver.Path(name, id))
		if err != nil {
			for _, p := range parts {
				p.Close()
			}
			return nil, err
		}
		parts = append(parts, part)
	}
	return m.newGroup(name, present, parts)
}

// Exists reports whether every partition file is present. It is false
// when none are, and fails with PartialGroup when only some are.
func (m *Manager) Exists(name string, ids []int) (bool, error) {
	var missing []string
	for _, p := range m.paths(name, ids) {
		if !partition.Exists(p) {
			missing = append(missing, p)
		}
	}
	switch len(missing) {
	case 0:
		return true, nil
	case len(ids):
		return false, nil
	}
	return false, storageerrors.PartialGroup(name, missing)
}

// Delete removes every partition file of the group with their sidecars and
// sub-tables. Files already missing are skipped.
func (m *Manager) Delete(name string, ids []int) error {
	var err error
	for _, id := range ids {
		err = multierr.Append(err, m.removeWithSubs(name, id))
	}
	if err == nil {
		m.logger().Info("Deleted partition group", zap.String("name", name), zap.Ints("ids", ids))
	}
	return err
}

// removeWithSubs removes a partition file and the sub-table partitions
// recorded in its trailer
func (m *Manager) removeWithSubs(name string, id int) error {
	path := m.resolver.Path(name, id)
	if !partition.Exists(path) {
		return nil
	}
	var err error
	if p, oerr := partition.Open(m.env, path); oerr == nil {
		for _, sub := range p.SubTables() {
			err = multierr.Append(err, m.removeWithSubs(SubName(name, sub), id))
		}
		p.Close()
	}
	return multierr.Append(err, partition.Remove(path))
}

// Rename moves every partition of the group, sub-tables included, to
// newName. All destinations are checked first; if a move fails the ones
// already done are moved back.
func (m *Manager) Rename(name string, ids []int, newName string) error {
	if err := validName("group", newName); err != nil {
		return err
	}
	return m.rename(name, ids, newName)
}

type move struct{ from, to string }

func (m *Manager) rename(name string, ids []int, newName string) error {
	if name == newName {
		return nil
	}
	var moves []move
	var missing []string
	for _, id := range ids {
		from, to := m.resolver.Path(name, id), m.resolver.Path(newName, id)
		if !partition.Exists(from) {
			missing = append(missing, from)
			continue
		}
		p, err := partition.Open(m.env, from)
		if err != nil {
			return err
		}
		for _, sub := range p.SubTables() {
			moves = append(moves, move{
				m.resolver.Path(SubName(name, sub), id),
				m.resolver.Path(SubName(newName, sub), id),
			})
		}
		p.Close()
		moves = append(moves, move{from, to})
	}
	if len(missing) > 0 {
		return storageerrors.PartialGroup(name, missing)
	}
	for _, mv := range moves {
		if partition.Exists(mv.to) {
			return storageerrors.AlreadyExists(mv.to).WithDetail("group", newName)
		}
	}

	for i, mv := range moves {
		if err := partition.Move(mv.from, mv.to); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := partition.Move(moves[j].to, moves[j].from); rerr != nil {
					m.logger().Error("Failed to undo partition move",
						zap.String("from", moves[j].to),
						zap.String("to", moves[j].from),
						zap.Error(rerr))
					err = multierr.Append(err, rerr)
				}
			}
			return err
		}
	}
	m.logger().Info("Renamed partition group",
		zap.String("name", name),
		zap.String("new_name", newName),
		zap.Int("files", len(moves)))
	return nil
}

// Group is an open partition group. It is not safe for concurrent use.
type Group struct {
	m     *Manager
	name  string
	ids   []int
	parts []partition.Partition
	rule  distribute.Rule
}

func (m *Manager) newGroup(name string, ids []int, parts []partition.Partition) (*Group, error) {
	first := parts[0]
	for _, p := range parts[1:] {
		if !p.Schema().Equal(first.Schema()) {
			return nil, storageerrors.CorruptFile(p.Path(),
				fmt.Sprintf("fields %v differ from %v", p.Schema().Declared(), first.Schema().Declared()), nil)
		}
	}
	rule, err := distribute.Parse(first.Header().Distribute, first.Schema())
	if err != nil {
		return nil, storageerrors.CorruptFile(first.Path(), "bad distribution", err)
	}
	return &Group{m: m, name: name, ids: append([]int(nil), ids...), parts: parts, rule: rule}, nil
}

func (g *Group) Name() string { return g.name }

// IDs returns the partition ids in routing order
func (g *Group) IDs() []int { return append([]int(nil), g.ids...) }

func (g *Group) Partitions() []partition.Partition { return g.parts }

func (g *Group) Schema() *model.Schema { return g.parts[0].Schema() }

// Rule is nil for groups without a distribution
func (g *Group) Rule() distribute.Rule { return g.rule }

func (g *Group) Rows() int64 {
	var n int64
	for _, p := range g.parts {
		n += p.Rows()
	}
	return n
}

// SubTables lists the dependent tables attached to the group
func (g *Group) SubTables() []string { return g.parts[0].SubTables() }

func (g *Group) Close() error {
	var err error
	for _, p := range g.parts {
		err = multierr.Append(err, p.Close())
	}
	return err
}

func (g *Group) env(ctx context.Context) *cursor.Env {
	if ctx == nil {
		return g.m.env
	}
	return g.m.env.WithContext(ctx)
}

// reload reopens the group's files, e.g. after they were replaced
func (g *Group) reload(ids []int) error {
	fresh, err := g.m.Open(g.name, ids, OpenOptions{})
	if err != nil {
		return err
	}
	g.Close()
	*g = *fresh
	return nil
}

// Cursor reads the whole group. Keyed groups are merged in key order;
// others are read partition after partition.
func (g *Group) Cursor(ctx context.Context, opts partition.CursorOptions) (cursor.Cursor, error) {
	env := g.env(ctx)
	if len(g.parts) == 1 {
		return g.parts[0].Cursor(env, opts)
	}

	schema := g.Schema()
	inner := opts
	var ops []cursor.Op
	if schema.HasKeys() && opts.Fields != nil {
		inner.Fields = withFields(opts.Fields, schema.KeyNames())
		if len(inner.Fields) != len(opts.Fields) {
			ops = append(ops, cursor.Project(opts.Fields...))
		}
	}

	cursors := make([]cursor.Cursor, 0, len(g.parts))
	fail := func(err error) (cursor.Cursor, error) {
		for _, c := range cursors {
			err = multierr.Append(err, c.Close())
		}
		return nil, err
	}
	for _, p := range g.parts {
		c, err := p.Cursor(env, inner)
		if err != nil {
			return fail(err)
		}
		cursors = append(cursors, c)
	}

	if !schema.HasKeys() {
		c, err := cursor.Concat(env, cursors, ops...)
		if err != nil {
			return fail(err)
		}
		return c, nil
	}
	keyPos, err := cursors[0].Schema().Positions(schema.KeyNames())
	if err != nil {
		return fail(storageerrors.InvalidArgument("merged fields lack the key", err))
	}
	c, err := cursor.Merge(env, cursors, cursor.ByFields(keyPos), ops...)
	if err != nil {
		return fail(err)
	}
	return c, nil
}

// withFields returns fields followed by any of extra it lacks
func withFields(fields, extra []string) []string {
	out := append([]string(nil), fields...)
	for _, e := range extra {
		found := false
		for _, f := range fields {
			if f == e {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}

// Append routes every row of src to its partition and appends there. Rows
// are first spilled to one temp file per partition, so a routing error
// leaves the group untouched; each partition then appends all or nothing.
// Without a rule rows go to the only partition or are dealt out in turn.
func (g *Group) Append(ctx context.Context, src cursor.Cursor, opts partition.Options) (int64, error) {
	env := g.env(ctx)
	if len(g.parts) == 1 {
		return g.parts[0].Append(env, src, opts)
	}

	schema := g.Schema()
	mapper, err := partition.NewMapper(src.Schema(), schema)
	if err != nil {
		return 0, err
	}
	scope := env.Temp.Scope()
	defer func() {
		if err := scope.Release(); err != nil {
			env.Log().Warn("Failed to release routing files", zap.Error(err))
		}
	}()

	writers := make([]*blockfile.Writer, len(g.parts))
	abort := func(err error) (int64, error) {
		for _, w := range writers {
			if w != nil {
				w.Abort()
			}
		}
		return 0, err
	}
	header := blockfile.Header{
		Layout:      blockfile.LayoutRow,
		Compression: blockfile.CompressionSnappy,
		Fields:      schema.Fields(),
	}

	var seen int64
	for {
		rows, err := src.Fetch(0)
		if err != nil {
			return abort(err)
		}
		if rows == nil {
			break
		}
		for _, r := range rows {
			row := mapper.Map(r)
			idx := int(seen % int64(len(g.parts)))
			if g.rule != nil {
				if idx, err = g.rule.Route(row, g.ids); err != nil {
					return abort(err)
				}
			}
			seen++
			if writers[idx] == nil {
				path, err := scope.New(fmt.Sprintf("route-%s-%d", g.name, g.ids[idx]))
				if err != nil {
					return abort(storageerrors.IO("failed to allocate routing file", err))
				}
				if writers[idx], err = blockfile.Create(path, header); err != nil {
					return abort(err)
				}
			}
			if err := writers[idx].Write(row); err != nil {
				return abort(err)
			}
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

	var total int64
	for i, w := range writers {
		if w == nil {
			continue
		}
		n, err := g.appendFrom(env, i, w.Path(), opts)
		total += n
		if err != nil {
			return total, err
		}
	}
	env.Log().Debug("Routed rows",
		zap.String("group", g.name),
		zap.Int64("rows", seen),
		zap.Int("partitions", len(g.parts)))
	return total, nil
}

func (g *Group) appendFrom(env *cursor.Env, i int, path string, opts partition.Options) (int64, error) {
	spill, err := partition.Open(env, path)
	if err != nil {
		return 0, err
	}
	c, err := spill.Cursor(env, partition.CursorOptions{})
	if err != nil {
		return 0, err
	}
	n, err := g.parts[i].Append(env, c, opts)
	return n, multierr.Append(err, c.Close())
}

// Attach creates the sub-table sub with one partition per group partition,
// distributed by the same rule, and records it in the group's files.
func (g *Group) Attach(sub string, fields []string, opts partition.Options) (*Group, error) {
	if err := validName("sub-table", sub); err != nil {
		return nil, err
	}
	for _, s := range g.SubTables() {
		if s == sub {
			return nil, storageerrors.AlreadyExists(SubName(g.name, sub))
		}
	}
	expr := ""
	if g.rule != nil {
		expr = g.rule.Expr()
		subSchema := model.NewSchema(fields...)
		if _, err := subSchema.Positions(g.rule.Fields()); err != nil {
			return nil, storageerrors.InvalidArgument(
				fmt.Sprintf("sub-table %q lacks distribution fields %v", sub, g.rule.Fields()), err)
		}
	}
	opts.PartitionByFirst = false
	sg, err := g.m.create(SubName(g.name, sub), g.ids, CreateRequest{
		Fields:     fields,
		Distribute: expr,
		Options:    opts,
		BlockSize:  g.parts[0].Header().BlockSize,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range g.parts {
		if err := p.AttachSubTable(sub); err != nil {
			return nil, multierr.Append(err, g.m.Delete(SubName(g.name, sub), g.ids))
		}
	}
	return sg, nil
}

// Sub opens an attached sub-table
func (g *Group) Sub(sub string) (*Group, error) {
	for _, s := range g.SubTables() {
		if s == sub {
			return g.m.Open(SubName(g.name, sub), g.ids, OpenOptions{})
		}
	}
	return nil, storageerrors.NotFound(SubName(g.name, sub), nil)
}

// Rename moves the group to newName and reopens it there
func (g *Group) Rename(newName string) error {
	if err := g.m.Rename(g.name, g.ids, newName); err != nil {
		return err
	}
	g.name = newName
	return g.reload(g.ids)
}
