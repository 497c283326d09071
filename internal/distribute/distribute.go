// Package distribute maps rows to partitions. A rule is written as
// name(field, ...), e.g. "mod(id)" or "hash(region, day)", and resolved
// through a registry of named rule factories.
package distribute

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

// Rule routes a row to one of the partitions of a group
type Rule interface {
	// Expr is the expression the rule was parsed from
	Expr() string
	// Fields are the input fields the rule reads
	Fields() []string
	// Route returns an index into ids
	Route(r *model.Row, ids []int) (int, error)
}

// Factory builds a rule from its arguments bound to schema
type Factory func(expr string, args []string, schema *model.Schema) (Rule, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{
		"mod":   newMod,
		"hash":  newHash,
		"value": newValue,
	}
)

// Register adds or replaces a named rule
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Names lists registered rule names
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Parse resolves expr against schema. An empty expression yields a nil
// rule; callers then keep rows on one partition or spread them in turn.
func Parse(expr string, schema *model.Schema) (Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("malformed distribution %q", expr), nil)
	}
	name := strings.TrimSpace(expr[:open])
	var args []string
	for _, a := range strings.Split(expr[open+1:len(expr)-1], ",") {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}

	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("unknown distribution %q", name), nil).
			WithDetail("known", strings.Join(Names(), ","))
	}
	if len(args) == 0 {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("distribution %q needs a field", expr), nil)
	}
	if _, err := schema.Positions(args); err != nil {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("distribution %q", expr), err)
	}
	return f(expr, args, schema)
}

// ByFirstField returns the rule used by the p option: hash of the first
// declared field
func ByFirstField(schema *model.Schema) string {
	return "hash(" + schema.Field(0) + ")"
}

type base struct {
	expr   string
	fields []string
	pos    []int
}

func newBase(expr string, args []string, schema *model.Schema) base {
	pos, _ := schema.Positions(args)
	return base{expr: expr, fields: args, pos: pos}
}

func (b base) Expr() string { return b.expr }

func (b base) Fields() []string { return b.fields }

func noPartitions(expr string) error {
	return storageerrors.InvalidArgument("no partitions to route to", nil).WithDetail("distribution", expr)
}

// mod routes integral values to ids[v mod n]; nulls go to the first
// partition
type modRule struct{ base }

func newMod(expr string, args []string, schema *model.Schema) (Rule, error) {
	if len(args) != 1 {
		return nil, storageerrors.InvalidArgument("mod takes one field", nil)
	}
	return &modRule{newBase(expr, args, schema)}, nil
}

func (m *modRule) Route(r *model.Row, ids []int) (int, error) {
	if len(ids) == 0 {
		return 0, noPartitions(m.expr)
	}
	v := r.Get(m.pos[0])
	switch v.Kind() {
	case model.KindNull:
		return 0, nil
	case model.KindInt, model.KindLong, model.KindDate, model.KindBool:
	case model.KindFloat, model.KindDecimal:
		if f := v.AsFloat(); f != math.Trunc(f) {
			return 0, storageerrors.InvalidArgument(fmt.Sprintf("mod of non-integral %s", v), nil)
		}
	default:
		return 0, storageerrors.InvalidArgument(fmt.Sprintf("mod of %s value", v.Kind()), nil)
	}
	n := int64(len(ids))
	return int(((v.AsLong() % n) + n) % n), nil
}

// hash spreads rows by the xxhash of their field tuple
type hashRule struct{ base }

func newHash(expr string, args []string, schema *model.Schema) (Rule, error) {
	return &hashRule{newBase(expr, args, schema)}, nil
}

func (h *hashRule) Route(r *model.Row, ids []int) (int, error) {
	if len(ids) == 0 {
		return 0, noPartitions(h.expr)
	}
	key := make([]model.Value, len(h.pos))
	for i, p := range h.pos {
		key[i] = r.Get(p)
	}
	return int(xxhash.Sum64String(cursor.KeyString(key)) % uint64(len(ids))), nil
}

// value routes a row to the partition whose id equals the field
type valueRule struct{ base }

func newValue(expr string, args []string, schema *model.Schema) (Rule, error) {
	if len(args) != 1 {
		return nil, storageerrors.InvalidArgument("value takes one field", nil)
	}
	return &valueRule{newBase(expr, args, schema)}, nil
}

func (v *valueRule) Route(r *model.Row, ids []int) (int, error) {
	val := r.Get(v.pos[0])
	for i, id := range ids {
		if model.Compare(val, model.Long(int64(id))) == 0 {
			return i, nil
		}
	}
	return 0, storageerrors.InvalidArgument(fmt.Sprintf("no partition %s", val), nil).
		WithDetail("distribution", v.expr)
}
