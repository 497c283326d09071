package cursor

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

type concatSource struct {
	schema  *model.Schema
	sources []Cursor
	cur     int
}

// Concat reads sources one after another. All sources must have the same
// fields.
func Concat(env *Env, sources []Cursor, ops ...Op) (*Base, error) {
	if len(sources) == 0 {
		return nil, storageerrors.InvalidArgument("concat needs at least one source", nil)
	}
	schema := sources[0].Schema()
	for i, s := range sources[1:] {
		if !sameFields(schema, s.Schema()) {
			return nil, storageerrors.InvalidArgument(
				fmt.Sprintf("concat source %d has fields %v, want %v", i+1, s.Schema().Fields(), schema.Fields()), nil)
		}
	}
	return New(env, &concatSource{schema: schema, sources: sources}, ops...)
}

func (c *concatSource) Schema() *model.Schema { return c.schema }

func (c *concatSource) Next(ctx context.Context, n int) ([]*model.Row, error) {
	for c.cur < len(c.sources) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := c.sources[c.cur].Fetch(n)
		if err != nil {
			return nil, err
		}
		if rows != nil {
			return rows, nil
		}
		c.cur++
	}
	return nil, nil
}

func (c *concatSource) Rewind() error {
	for _, s := range c.sources {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	c.cur = 0
	return nil
}

func (c *concatSource) Interrupt() {
	for _, s := range c.sources {
		Interrupt(s)
	}
}

func (c *concatSource) Close() error {
	var err error
	for _, s := range c.sources {
		err = multierr.Append(err, s.Close())
	}
	return err
}
