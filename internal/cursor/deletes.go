package cursor

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

// MergeStats counts what a delete-aware merge did to the base stream
type MergeStats struct {
	Deleted  int64
	Updated  int64
	Inserted int64
}

// Affected is the number of rows changed in any way
func (s *MergeStats) Affected() int64 {
	if s == nil {
		return 0
	}
	return s.Deleted + s.Updated + s.Inserted
}

// DeleteOptions tunes MergeDeletes
type DeleteOptions struct {
	// Upsert emits modification rows whose key has no base row as new rows
	Upsert bool

	// Stats, when set, is filled in while the merge runs
	Stats *MergeStats
}

type deleteMergeSource struct {
	base   *peeker
	mods   *peeker
	schema *model.Schema
	opts   DeleteOptions

	baseKey []int
	modKey  []int
	delPos  int
	// modMap[i] is the base position of mod field i, or -1 for key and
	// marker fields
	modMap []int

	mod        *model.Row
	modLoaded  bool
	modMatched bool
}

// MergeDeletes merges base, ordered by its primary key, with mods, ordered
// by the same key fields. A mod row whose _deleted field is true removes every
// base row with that key; any other mod row replaces the non-key fields it
// carries. When several mods share a key the last one wins.
func MergeDeletes(env *Env, base, mods Cursor, opts DeleteOptions, ops ...Op) (*Base, error) {
	bs, ms := base.Schema(), mods.Schema()
	if !bs.HasKeys() {
		return nil, storageerrors.InvalidArgument("delete-aware merge needs a keyed base", nil).
			WithDetail("schema", bs.String())
	}
	modKey, err := ms.Positions(bs.KeyNames())
	if err != nil {
		return nil, storageerrors.InvalidArgument("modification rows lack key fields", err)
	}

	src := &deleteMergeSource{
		base:    newPeeker(base),
		mods:    newPeeker(mods),
		schema:  bs,
		opts:    opts,
		baseKey: bs.Keys(),
		modKey:  modKey,
		delPos:  ms.DeleteField(),
		modMap:  make([]int, ms.Len()),
	}
	isKey := make(map[int]bool, len(modKey))
	for _, p := range modKey {
		isKey[p] = true
	}
	for i, name := range ms.Fields() {
		src.modMap[i] = -1
		if isKey[i] || i == src.delPos {
			continue
		}
		p := bs.Index(name)
		if p < 0 {
			return nil, storageerrors.InvalidArgument(fmt.Sprintf("modification field %q not in base", name), nil)
		}
		src.modMap[i] = p
	}
	env.Stats().RecordMerge(2)
	return New(env, src, ops...)
}

func (s *deleteMergeSource) Schema() *model.Schema { return s.schema }

func (s *deleteMergeSource) compareKeys(b, m *model.Row) int {
	for i, p := range s.baseKey {
		if c := model.Compare(b.Get(p), m.Get(s.modKey[i])); c != 0 {
			return c
		}
	}
	return 0
}

func (s *deleteMergeSource) sameModKey(a, b *model.Row) bool {
	for _, p := range s.modKey {
		if model.Compare(a.Get(p), b.Get(p)) != 0 {
			return false
		}
	}
	return true
}

// loadMod reads the next run of mods with equal keys and keeps the last
func (s *deleteMergeSource) loadMod() error {
	s.modLoaded, s.modMatched, s.mod = true, false, nil
	m, err := s.mods.head()
	if err != nil || m == nil {
		return err
	}
	for {
		s.mods.advance()
		next, err := s.mods.head()
		if err != nil {
			return err
		}
		if next == nil || !s.sameModKey(next, m) {
			break
		}
		m = next
	}
	s.mod = m
	return nil
}

func (s *deleteMergeSource) isDelete(m *model.Row) bool {
	return s.delPos >= 0 && m.Get(s.delPos).AsBool()
}

func (s *deleteMergeSource) applyMod(b, m *model.Row) *model.Row {
	out := b.Clone()
	for i, p := range s.modMap {
		if p >= 0 {
			out.Set(p, m.Get(i))
		}
	}
	return out
}

func (s *deleteMergeSource) insertRow(m *model.Row) *model.Row {
	out := model.NewRow(s.schema)
	for i, p := range s.baseKey {
		out.Set(p, m.Get(s.modKey[i]))
	}
	for i, p := range s.modMap {
		if p >= 0 {
			out.Set(p, m.Get(i))
		}
	}
	return out
}

// finishMod retires the current mod, returning an inserted row for an
// unmatched upsert
func (s *deleteMergeSource) finishMod() *model.Row {
	m := s.mod
	s.modLoaded, s.mod = false, nil
	if m == nil || s.modMatched || s.isDelete(m) || !s.opts.Upsert {
		return nil
	}
	if s.opts.Stats != nil {
		s.opts.Stats.Inserted++
	}
	return s.insertRow(m)
}

func (s *deleteMergeSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	out := make([]*model.Row, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.modLoaded {
			if err := s.loadMod(); err != nil {
				return nil, err
			}
		}
		b, err := s.base.head()
		if err != nil {
			return nil, err
		}
		m := s.mod
		switch {
		case b == nil && m == nil:
			return out, nil
		case m == nil:
			out = append(out, b)
			s.base.advance()
			continue
		case b == nil:
			if r := s.finishMod(); r != nil {
				out = append(out, r)
			}
			continue
		}

		c := s.compareKeys(b, m)
		switch {
		case c < 0:
			out = append(out, b)
			s.base.advance()
		case c > 0:
			if r := s.finishMod(); r != nil {
				out = append(out, r)
			}
		default:
			s.modMatched = true
			s.base.advance()
			if s.isDelete(m) {
				if s.opts.Stats != nil {
					s.opts.Stats.Deleted++
				}
				continue
			}
			if s.opts.Stats != nil {
				s.opts.Stats.Updated++
			}
			out = append(out, s.applyMod(b, m))
		}
	}
	return out, nil
}

func (s *deleteMergeSource) Rewind() error {
	if err := s.base.reset(); err != nil {
		return err
	}
	if err := s.mods.reset(); err != nil {
		return err
	}
	s.mod, s.modLoaded, s.modMatched = nil, false, false
	if s.opts.Stats != nil {
		*s.opts.Stats = MergeStats{}
	}
	return nil
}

func (s *deleteMergeSource) Interrupt() {
	Interrupt(s.base.c)
	Interrupt(s.mods.c)
}

func (s *deleteMergeSource) Close() error {
	return multierr.Append(s.base.c.Close(), s.mods.c.Close())
}
