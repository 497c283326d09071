package cursor

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/devrev/pairdb/tablestore/internal/codec"
	"github.com/devrev/pairdb/tablestore/internal/compkey"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

// Op is a row-level operation chained onto a cursor. Bind is called once
// with the input schema and returns the output schema; an Op instance
// belongs to a single cursor.
type Op interface {
	Bind(in *model.Schema) (*model.Schema, error)
	Apply(rows []*model.Row) ([]*model.Row, error)
}

// Predicate decides whether a row is kept
type Predicate func(*model.Row) (bool, error)

type filterOp struct {
	pred Predicate
}

// Filter keeps rows for which pred is true
func Filter(pred Predicate) Op { return &filterOp{pred: pred} }

func (f *filterOp) Bind(in *model.Schema) (*model.Schema, error) { return in, nil }

func (f *filterOp) Apply(rows []*model.Row) ([]*model.Row, error) {
	out := rows[:0]
	for _, r := range rows {
		ok, err := f.pred(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type whereOp struct {
	field string
	test  func(model.Value) bool
	pos   int
}

// Where keeps rows whose field satisfies test
func Where(field string, test func(model.Value) bool) Op {
	return &whereOp{field: field, test: test}
}

func (w *whereOp) Bind(in *model.Schema) (*model.Schema, error) {
	w.pos = in.Index(w.field)
	if w.pos < 0 {
		return nil, fmt.Errorf("unknown field %q", w.field)
	}
	return in, nil
}

func (w *whereOp) Apply(rows []*model.Row) ([]*model.Row, error) {
	out := rows[:0]
	for _, r := range rows {
		if w.test(r.Get(w.pos)) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Between returns a test for lo <= v <= hi; a null bound is open
func Between(lo, hi model.Value) func(model.Value) bool {
	return func(v model.Value) bool {
		if !lo.IsNull() && model.Compare(v, lo) < 0 {
			return false
		}
		return hi.IsNull() || model.Compare(v, hi) <= 0
	}
}

type projectOp struct {
	fields []string
	pos    []int
	out    *model.Schema
}

// Project keeps the named fields in the given order
func Project(fields ...string) Op { return &projectOp{fields: fields} }

func (p *projectOp) Bind(in *model.Schema) (*model.Schema, error) {
	out, pos, err := in.Project(p.fields)
	if err != nil {
		return nil, err
	}
	p.pos, p.out = pos, out
	return out, nil
}

func (p *projectOp) Apply(rows []*model.Row) ([]*model.Row, error) {
	out := make([]*model.Row, len(rows))
	vals := make([]model.Value, len(rows)*len(p.pos))
	for i, r := range rows {
		rv := vals[i*len(p.pos) : (i+1)*len(p.pos) : (i+1)*len(p.pos)]
		for j, src := range p.pos {
			rv[j] = r.Get(src)
		}
		out[i] = model.NewRow(p.out, rv...)
	}
	return out, nil
}

type packKeyOp struct {
	name   string
	fields []string
	widths []int
	pos    []int
	out    *model.Schema
}

// PackKey appends a field holding the composite key packed from fields at
// the given byte widths. Rows that do not fit fail the fetch with KeyOverflow,
// rows with a null key field with InvalidArgument.
func PackKey(name string, fields []string, widths []int) Op {
	return &packKeyOp{name: name, fields: fields, widths: widths}
}

func (p *packKeyOp) Bind(in *model.Schema) (*model.Schema, error) {
	if len(p.fields) != len(p.widths) {
		return nil, fmt.Errorf("%d key fields but %d widths", len(p.fields), len(p.widths))
	}
	pos, err := in.Positions(p.fields)
	if err != nil {
		return nil, err
	}
	p.pos = pos
	p.out = in.Append(p.name)
	return p.out, nil
}

func (p *packKeyOp) Apply(rows []*model.Row) ([]*model.Row, error) {
	for i, r := range rows {
		k, err := compkey.PackRow(r, p.pos, p.widths)
		if err != nil {
			return nil, err
		}
		vals := make([]model.Value, p.out.Len())
		copy(vals, r.Values())
		vals[len(vals)-1] = k.Value()
		rows[i] = model.NewRow(p.out, vals...)
	}
	return rows, nil
}

// LookupTable maps key tuples to rows of a small dimension table
type LookupTable struct {
	name   string
	schema *model.Schema
	rows   map[string]*model.Row
}

// NewLookupTable indexes rows by keyFields. Later rows win on duplicates.
func NewLookupTable(name string, schema *model.Schema, keyFields []string, rows []*model.Row) (*LookupTable, error) {
	pos, err := schema.Positions(keyFields)
	if err != nil {
		return nil, err
	}
	t := &LookupTable{name: name, schema: schema, rows: make(map[string]*model.Row, len(rows))}
	key := make([]model.Value, len(pos))
	for _, r := range rows {
		for i, p := range pos {
			key[i] = r.Get(p)
		}
		t.rows[KeyString(key)] = r
	}
	return t, nil
}

// LoadLookupTable drains and closes c into a lookup table
func LoadLookupTable(name string, c Cursor, keyFields ...string) (*LookupTable, error) {
	defer c.Close()
	rows, err := Collect(c)
	if err != nil {
		return nil, err
	}
	return NewLookupTable(name, c.Schema(), keyFields, rows)
}

func (t *LookupTable) Name() string { return t.name }

func (t *LookupTable) Schema() *model.Schema { return t.schema }

func (t *LookupTable) Len() int { return len(t.rows) }

// Get returns the row for key
func (t *LookupTable) Get(key []model.Value) (*model.Row, bool) {
	r, ok := t.rows[KeyString(key)]
	return r, ok
}

type lookupOp struct {
	table *LookupTable
	fk    []string
	take  []string
	inner bool

	fkPos   []int
	takePos []int
	out     *model.Schema
}

// Lookup joins each row to table on the foreign-key fields fk and appends
// the take fields of the matched row. Unmatched rows get nulls, or are
// dropped when inner is set. A taken name that already exists in the input
// is renamed "<table>.<field>".
func Lookup(table *LookupTable, fk []string, take []string, inner bool) Op {
	return &lookupOp{table: table, fk: fk, take: take, inner: inner}
}

func (l *lookupOp) Bind(in *model.Schema) (*model.Schema, error) {
	var err error
	if l.fkPos, err = in.Positions(l.fk); err != nil {
		return nil, err
	}
	if l.takePos, err = l.table.schema.Positions(l.take); err != nil {
		return nil, err
	}
	l.out = in.Append(OutputNames(in, l.table.name, l.take)...)
	return l.out, nil
}

func (l *lookupOp) Apply(rows []*model.Row) ([]*model.Row, error) {
	out := rows[:0]
	key := make([]model.Value, len(l.fkPos))
	width := l.out.Len()
	for _, r := range rows {
		for i, p := range l.fkPos {
			key[i] = r.Get(p)
		}
		match, ok := l.table.Get(key)
		if HasNull(key) {
			ok = false
		}
		if !ok && l.inner {
			continue
		}
		vals := make([]model.Value, width)
		copy(vals, r.Values())
		if ok {
			for i, p := range l.takePos {
				vals[r.Len()+i] = match.Get(p)
			}
		}
		out = append(out, model.NewRow(l.out, vals...))
	}
	return out, nil
}

// OutputNames resolves names appended to in, prefixing collisions with
// the source name
func OutputNames(in *model.Schema, source string, names []string) []string {
	out := make([]string, len(names))
	taken := make(map[string]bool, in.Len()+len(names))
	for _, f := range in.Fields() {
		taken[f] = true
	}
	for i, n := range names {
		if taken[n] {
			n = source + "." + n
		}
		taken[n] = true
		out[i] = n
	}
	return out
}

// KeyString encodes a key tuple for hashing. Values that compare equal
// encode the same: numbers of every kind share one form, as do dates and
// datetimes at the same instant.
func KeyString(key []model.Value) string {
	var buf []byte
	var err error
	for _, v := range key {
		if buf, err = codec.Encode(buf, normalizeKey(v)); err != nil {
			buf = append(buf, v.String()...)
		}
	}
	return string(buf)
}

// HasNull reports whether a key tuple contains a null; such keys never match
func HasNull(key []model.Value) bool {
	for _, v := range key {
		if v.IsNull() {
			return true
		}
	}
	return false
}

var (
	maxExactDecimal = decimal.New(1, 18)
	bigTen          = big.NewInt(10)
)

// normalizeKey maps v to the canonical member of its equality class under
// model.Compare. Integral numbers become longs, other finite numbers
// decimals without trailing zeros.
func normalizeKey(v model.Value) model.Value {
	switch v.Kind() {
	case model.KindInt:
		return model.Long(v.AsLong())
	case model.KindFloat:
		if f := v.AsFloat(); math.IsNaN(f) || math.IsInf(f, 0) {
			return v
		}
		return normalizeDecimal(v.AsDecimal())
	case model.KindDecimal:
		return normalizeDecimal(v.AsDecimal())
	case model.KindDate:
		return model.DateTimeMillis(v.Millis())
	case model.KindSeq:
		return model.Seq(normalizeAll(v.AsSeq())...)
	case model.KindRecord:
		return model.RecordValue(unnamedRow(normalizeAll(v.AsRecord().Values())))
	case model.KindTable:
		src := v.AsTable()
		t := model.NewTable(model.NewSchema(make([]string, src.Schema.Len())...))
		for _, r := range src.Rows {
			t.Rows = append(t.Rows, model.NewRow(t.Schema, normalizeAll(r.Values())...))
		}
		return model.TableValue(t)
	}
	return v
}

func normalizeDecimal(d decimal.Decimal) model.Value {
	if d.IsInteger() && d.Abs().LessThan(maxExactDecimal) {
		return model.Long(d.IntPart())
	}
	coef := new(big.Int).Set(d.Coefficient())
	exp := d.Exponent()
	q, r := new(big.Int), new(big.Int)
	for coef.Sign() != 0 {
		q.QuoRem(coef, bigTen, r)
		if r.Sign() != 0 {
			break
		}
		coef.Set(q)
		exp++
	}
	return model.Decimal(decimal.NewFromBigInt(coef, exp))
}

func normalizeAll(vals []model.Value) []model.Value {
	out := make([]model.Value, len(vals))
	for i, v := range vals {
		out[i] = normalizeKey(v)
	}
	return out
}

// unnamedRow drops field names, which model.Compare ignores
func unnamedRow(vals []model.Value) *model.Row {
	return model.NewRow(model.NewSchema(make([]string, len(vals))...), vals...)
}
