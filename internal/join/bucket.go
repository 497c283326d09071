package join

import (
	"context"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

// bucketSource joins one spilled bucket against the dimension segment
// covering its key range. The segment is loaded on the first read.
type bucketSource struct {
	env    *cursor.Env
	stage  *stage
	typ    Type
	r      *blockfile.Reader
	lo, hi []model.Value

	matches map[string][]*model.Row
	block   int
	pending []*model.Row
}

func (b *bucketSource) Schema() *model.Schema { return b.stage.out }

func (b *bucketSource) load(ctx context.Context) error {
	rows, err := b.stage.dim.Segment(b.env.WithContext(ctx), b.lo, b.hi)
	if err != nil {
		return err
	}
	b.matches = make(map[string][]*model.Row, len(rows))
	for _, r := range rows {
		key := keyOf(r, b.stage.dimPos)
		if cursor.HasNull(key) {
			continue
		}
		k := cursor.KeyString(key)
		b.matches[k] = append(b.matches[k], r)
	}
	b.env.Stats().RecordBucketJoin()
	return nil
}

func (b *bucketSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	if b.matches == nil {
		if err := b.load(ctx); err != nil {
			return nil, err
		}
	}
	for len(b.pending) < n && b.block < b.r.NumBlocks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := b.r.ReadBlock(b.block, nil)
		if err != nil {
			return nil, err
		}
		b.block++
		for _, r := range rows {
			b.pending = b.join(b.pending, r)
		}
	}
	if len(b.pending) == 0 {
		return nil, nil
	}
	if n > len(b.pending) {
		n = len(b.pending)
	}
	out := b.pending[:n:n]
	b.pending = b.pending[n:]
	return out, nil
}

func (b *bucketSource) join(out []*model.Row, r *model.Row) []*model.Row {
	st := b.stage
	var found []*model.Row
	if key := keyOf(r, st.keyPos); !cursor.HasNull(key) {
		found = b.matches[cursor.KeyString(key)]
	}
	switch b.typ {
	case Semi:
		if len(found) > 0 {
			out = append(out, r.Rebind(st.out))
		}
	case Anti:
		if len(found) == 0 {
			out = append(out, r.Rebind(st.out))
		}
	default:
		for _, m := range found {
			out = append(out, b.extend(r, m))
		}
		if len(found) == 0 && b.typ == Left {
			out = append(out, b.extend(r, nil))
		}
	}
	return out
}

// extend appends the dimension fields of m to r; a nil m appends nulls
func (b *bucketSource) extend(r, m *model.Row) *model.Row {
	vals := make([]model.Value, r.Len(), r.Len()+len(b.stage.take))
	copy(vals, r.Values())
	for _, p := range b.stage.take {
		if m == nil {
			vals = append(vals, model.Null())
		} else {
			vals = append(vals, m.Get(p))
		}
	}
	return model.NewRow(b.stage.out, vals...)
}

func (b *bucketSource) Rewind() error {
	b.block = 0
	b.pending = nil
	return nil
}

func (b *bucketSource) Close() error {
	return b.r.Close()
}
