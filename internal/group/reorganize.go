package group

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/metrics"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/partition"
	"github.com/devrev/pairdb/tablestore/internal/util/workerpool"
)

const (
	reorgSuffix = ".reorg"
	oldSuffix   = ".old"
)

// ReorganizeRequest describes how a group is rewritten
type ReorganizeRequest struct {
	// Target names the group to write. Empty rewrites the group in place.
	Target string

	// TargetIDs are the partition ids of the result; nil keeps the
	// current ids
	TargetIDs []int

	// Distribute replaces the distribution rule; empty keeps it
	Distribute string

	// Options may change layout (r, c) and compression (u, z), drop rows
	// marked deleted (w) and replace an existing target (y)
	Options partition.Options

	// BlockSize of the rewritten files; zero keeps it
	BlockSize int

	// Extra rows are merged in by key. With option w they are
	// modifications instead: marked rows delete, others update or insert.
	// Without w, an extra row whose key already exists in a keyed group
	// aborts the reorganize with InvalidArgument. Reorganize closes Extra.
	Extra cursor.Cursor
}

// Reorganize rewrites the group, its sub-tables included. When only the
// file format changes each partition is copied on its own, in parallel.
// Otherwise every partition is merged by key and routed into a fresh
// group. The source stays intact until the result is complete; on failure
// the partial result is deleted.
func (g *Group) Reorganize(ctx context.Context, req ReorganizeRequest) (*model.ReorganizeJob, error) {
	if ctx == nil {
		ctx = g.m.env.Context()
	}
	env := g.env(ctx)
	target := req.Target
	inPlace := target == "" || target == g.name
	if inPlace {
		target = g.name + reorgSuffix
		req.Options.Overwrite = true
	}
	ids := req.TargetIDs
	if ids == nil {
		ids = g.ids
	}
	if err := g.checkTarget(target, ids, inPlace, req.Options.Overwrite); err != nil {
		if req.Extra != nil {
			req.Extra.Close()
		}
		return nil, err
	}

	fast := req.Extra == nil && sameIDs(ids, g.ids) &&
		(req.Distribute == "" || (g.rule != nil && req.Distribute == g.rule.Expr()))
	job := &model.ReorganizeJob{
		JobID:     uuid.NewString(),
		Group:     g.name,
		Target:    req.Target,
		SourceIDs: g.IDs(),
		TargetIDs: append([]int(nil), ids...),
		Path:      model.ReorganizeSlow,
		SubTables: g.SubTables(),
		StartedAt: time.Now(),
		Status:    model.JobStatusRunning,
	}
	if fast {
		job.Path = model.ReorganizeFast
	}
	log := env.Log().With(
		zap.String("job_id", job.JobID),
		zap.String("group", g.name),
		zap.String("path", string(job.Path)))
	log.Info("Starting reorganize",
		zap.String("target", target),
		zap.Ints("source_ids", job.SourceIDs),
		zap.Ints("target_ids", job.TargetIDs),
		zap.String("options", req.Options.String()))

	err := g.checkDisk()
	if err == nil {
		if fast {
			job.Rows, err = g.reorganizeFast(ctx, env, target, req)
		} else {
			job.Rows, err = g.reorganizeSlow(ctx, target, ids, req)
		}
	} else if req.Extra != nil {
		req.Extra.Close()
	}
	if err == nil && inPlace {
		if err = g.m.replace(g.name, g.ids, target, ids); err == nil {
			err = g.reload(ids)
		}
	}

	if err != nil && ctx.Err() != nil && !storageerrors.HasCode(err, storageerrors.ErrCodeCancelled) {
		err = storageerrors.NewStorageError(storageerrors.ErrCodeCancelled, "reorganize cancelled", err)
	}

	job.CompletedAt = time.Now()
	status := metrics.StatusSuccess
	if err != nil {
		job.Status = model.JobStatusFailed
		job.Error = err.Error()
		status = metrics.StatusFailure
		log.Error("Reorganize failed", zap.Duration("duration", job.Duration()), zap.Error(err))
	} else {
		job.Status = model.JobStatusCompleted
		log.Info("Reorganize completed",
			zap.Int64("rows", job.Rows),
			zap.Duration("duration", job.Duration()))
	}
	path := metrics.PathSlow
	if fast {
		path = metrics.PathFast
	}
	env.Stats().RecordReorganize(path, status, job.Duration().Seconds(), job.Rows)
	return job, err
}

// checkTarget validates the target before anything is written. A target
// that exists is only replaced with option y.
func (g *Group) checkTarget(target string, ids []int, inPlace, overwrite bool) error {
	if !inPlace {
		if err := validName("group", target); err != nil {
			return err
		}
	}
	if err := validIDs(ids); err != nil {
		return err
	}
	if overwrite {
		return nil
	}
	exists, err := g.m.Exists(target, ids)
	if exists || storageerrors.HasCode(err, storageerrors.ErrCodePartialGroup) {
		return storageerrors.AlreadyExists(target).WithDetail("ids", ids)
	}
	return err
}

// checkDisk asks for room for a full copy of the group
func (g *Group) checkDisk() error {
	if g.m.disk == nil {
		return nil
	}
	var bytes int64
	for _, p := range g.parts {
		bytes += p.Info().Bytes
	}
	for _, sub := range g.SubTables() {
		for _, id := range g.ids {
			bytes += fileSize(g.m.resolver.Path(SubName(g.name, sub), id))
		}
	}
	return g.m.disk.CheckBeforeWrite(uint64(bytes))
}

// reorganizeFast copies every partition file, sub-tables included, to the
// target name on the worker pool
func (g *Group) reorganizeFast(ctx context.Context, env *cursor.Env, target string, req ReorganizeRequest) (int64, error) {
	type copyJob struct {
		src  string
		dst  string
		main bool
	}
	var jobs []copyJob
	for _, id := range g.ids {
		jobs = append(jobs, copyJob{g.m.resolver.Path(g.name, id), g.m.resolver.Path(target, id), true})
		for _, sub := range g.SubTables() {
			jobs = append(jobs, copyJob{
				g.m.resolver.Path(SubName(g.name, sub), id),
				g.m.resolver.Path(SubName(target, sub), id),
				false,
			})
		}
	}

	rows := make([]int64, len(jobs))
	tasks := make([]workerpool.Task, len(jobs))
	for i, j := range jobs {
		i, j := i, j
		tasks[i] = workerpool.Task{
			ID: j.dst,
			Fn: func(ctx context.Context) error {
				tenv := env.WithContext(ctx)
				src, err := partition.Open(tenv, j.src)
				if err != nil {
					return err
				}
				defer src.Close()
				out, err := partition.CopyAs(tenv, src, j.dst, req.Options, req.BlockSize)
				if err != nil {
					return err
				}
				if j.main {
					rows[i] = out.Rows()
				}
				return out.Close()
			},
		}
	}

	if err := g.m.pool.Run(ctx, tasks); err != nil {
		for _, j := range jobs {
			err = multierr.Append(err, partition.Remove(j.dst))
		}
		return 0, err
	}
	var n int64
	for _, r := range rows {
		n += r
	}
	return n, nil
}

// reorganizeSlow merges the group by key and routes the rows into a new
// group named target, then does the same for every sub-table
func (g *Group) reorganizeSlow(ctx context.Context, target string, ids []int, req ReorganizeRequest) (int64, error) {
	env := g.env(ctx)
	expr := req.Distribute
	if expr == "" && g.rule != nil {
		expr = g.rule.Expr()
	}
	blockSize := req.BlockSize
	if blockSize <= 0 {
		blockSize = g.parts[0].Header().BlockSize
	}
	h := g.parts[0].Header()
	opts := req.Options
	opts.PartitionByFirst = false

	extra := req.Extra
	defer func() {
		if extra != nil {
			extra.Close()
		}
	}()

	out, err := g.m.create(target, ids, CreateRequest{
		Fields:       g.Schema().Declared(),
		Distribute:   expr,
		Options:      opts,
		BlockSize:    blockSize,
		SegmentField: h.SegmentField,
		Layout:       h.Layout,
		Compression:  h.Compression,
	})
	if err != nil {
		return 0, err
	}
	defer out.Close()
	fail := func(err error) (int64, error) {
		if derr := g.m.Delete(target, ids); derr != nil {
			env.Log().Error("Failed to remove partial reorganize target",
				zap.String("target", target), zap.Error(derr))
			err = multierr.Append(err, derr)
		}
		return 0, err
	}

	src, err := g.mergedSource(ctx, req.Options.DeleteAware, extra)
	extra = nil
	if err != nil {
		return fail(err)
	}
	n, err := out.Append(ctx, src, partition.Options{})
	if cerr := src.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(err)
	}

	subOpts := opts
	subOpts.Overwrite = true
	for _, sub := range g.SubTables() {
		if err := g.migrateSub(ctx, out, sub, subOpts); err != nil {
			return fail(fmt.Errorf("sub-table %s: %w", sub, err))
		}
	}
	return n, nil
}

// mergedSource reads the group in key order, folding in extra
func (g *Group) mergedSource(ctx context.Context, deleteAware bool, extra cursor.Cursor) (cursor.Cursor, error) {
	env := g.env(ctx)
	var copts partition.CursorOptions
	if deleteAware && g.Schema().DeleteField() >= 0 {
		copts.Filter = func(r *model.Row) (bool, error) { return !r.IsDeleted(), nil }
	}
	base, err := g.Cursor(ctx, copts)
	if err != nil {
		if extra != nil {
			extra.Close()
		}
		return nil, err
	}
	if extra == nil {
		return base, nil
	}
	if !g.Schema().HasKeys() {
		var c cursor.Cursor
		if c, err = cursor.Concat(env, []cursor.Cursor{base, extra}); err == nil {
			return c, nil
		}
	} else if deleteAware {
		var c cursor.Cursor
		c, err = cursor.MergeDeletes(env, base, extra, cursor.DeleteOptions{Upsert: true})
		if err == nil {
			return c, nil
		}
	} else {
		keyPos, perr := base.Schema().Positions(g.Schema().KeyNames())
		if perr != nil {
			err = perr
		} else {
			var c cursor.Cursor
			if c, err = cursor.Merge(env, []cursor.Cursor{base, extra}, cursor.ByFields(keyPos)); err == nil {
				return c, nil
			}
		}
	}
	return nil, multierr.Append(err, multierr.Append(base.Close(), extra.Close()))
}

// migrateSub copies one sub-table into the matching sub-table of out
func (g *Group) migrateSub(ctx context.Context, out *Group, sub string, opts partition.Options) error {
	sg, err := g.Sub(sub)
	if err != nil {
		return err
	}
	defer sg.Close()
	tg, err := out.Attach(sub, sg.Schema().Declared(), opts)
	if err != nil {
		return err
	}
	defer tg.Close()
	src, err := sg.Cursor(ctx, partition.CursorOptions{})
	if err != nil {
		return err
	}
	_, err = tg.Append(ctx, src, partition.Options{})
	return multierr.Append(err, src.Close())
}

// replace swaps the group written under tmp in for name. The originals are
// moved aside first and restored if the swap fails.
func (m *Manager) replace(name string, oldIDs []int, tmp string, newIDs []int) error {
	aside := name + oldSuffix
	if err := m.Delete(aside, oldIDs); err != nil {
		return err
	}
	if err := m.rename(name, oldIDs, aside); err != nil {
		return multierr.Append(err, m.Delete(tmp, newIDs))
	}
	if err := m.rename(tmp, newIDs, name); err != nil {
		if rerr := m.rename(aside, oldIDs, name); rerr != nil {
			m.logger().Error("Failed to restore group after reorganize",
				zap.String("name", name), zap.Error(rerr))
			err = multierr.Append(err, rerr)
		}
		return err
	}
	if err := m.Delete(aside, oldIDs); err != nil {
		m.logger().Warn("Failed to remove replaced partitions",
			zap.String("name", aside), zap.Error(err))
	}
	return nil
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
