package model

import "strings"

// Row is a fixed-arity list of values sharing a schema
type Row struct {
	schema *Schema
	values []Value
}

// NewRow creates a row; missing trailing values are null
func NewRow(schema *Schema, values ...Value) *Row {
	vals := make([]Value, schema.Len())
	copy(vals, values)
	return &Row{schema: schema, values: vals}
}

func (r *Row) Schema() *Schema { return r.schema }

func (r *Row) Values() []Value { return r.values }

func (r *Row) Len() int { return len(r.values) }

func (r *Row) Get(i int) Value { return r.values[i] }

func (r *Row) Set(i int, v Value) { r.values[i] = v }

// GetByName returns the value of field name
func (r *Row) GetByName(name string) (Value, bool) {
	i := r.schema.Index(name)
	if i < 0 {
		return Null(), false
	}
	return r.values[i], true
}

// Key returns the primary-key values
func (r *Row) Key() []Value {
	keys := r.schema.Keys()
	out := make([]Value, len(keys))
	for i, k := range keys {
		out[i] = r.values[k]
	}
	return out
}

// IsDeleted reports whether the delete marker is set
func (r *Row) IsDeleted() bool {
	d := r.schema.DeleteField()
	return d >= 0 && r.values[d].AsBool()
}

func (r *Row) Clone() *Row {
	vals := make([]Value, len(r.values))
	copy(vals, r.values)
	return &Row{schema: r.schema, values: vals}
}

// Rebind returns a row with the same values under another schema of
// identical arity
func (r *Row) Rebind(schema *Schema) *Row {
	return &Row{schema: schema, values: r.values}
}

func (r *Row) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, v := range r.values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(r.schema.Field(i))
		sb.WriteByte('=')
		sb.WriteString(v.String())
	}
	sb.WriteByte('}')
	return sb.String()
}
