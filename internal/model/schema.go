package model

import (
	"fmt"
	"strings"
)

const (
	// KeyPrefix marks a primary-key field in a declared field list
	KeyPrefix = "#"

	// DeleteMarkerField is the reserved field that tags tombstones in
	// modification streams
	DeleteMarkerField = "_deleted"

	// SeqField is the reserved field injected to restore input order
	SeqField = "_seq"
)

// Schema is an ordered list of field names shared by rows
type Schema struct {
	fields      []string
	index       map[string]int
	keys        []int
	deleteField int
}

// NewSchema builds a schema from declared names; names starting with
// KeyPrefix are primary-key fields.
func NewSchema(declared ...string) *Schema {
	s := &Schema{
		fields:      make([]string, len(declared)),
		index:       make(map[string]int, len(declared)),
		deleteField: -1,
	}
	for i, name := range declared {
		if strings.HasPrefix(name, KeyPrefix) {
			name = strings.TrimPrefix(name, KeyPrefix)
			s.keys = append(s.keys, i)
		}
		s.fields[i] = name
		s.index[name] = i
		if name == DeleteMarkerField {
			s.deleteField = i
		}
	}
	return s
}

// NewKeyedSchema builds a schema with explicit key positions
func NewKeyedSchema(fields []string, keys []int) *Schema {
	s := NewSchema(fields...)
	s.keys = append([]int(nil), keys...)
	return s
}

func (s *Schema) Fields() []string { return s.fields }

func (s *Schema) Len() int { return len(s.fields) }

func (s *Schema) Field(i int) string { return s.fields[i] }

// Index returns the position of name or -1
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Keys returns primary-key positions
func (s *Schema) Keys() []int { return s.keys }

func (s *Schema) HasKeys() bool { return len(s.keys) > 0 }

func (s *Schema) KeyNames() []string {
	names := make([]string, len(s.keys))
	for i, k := range s.keys {
		names[i] = s.fields[k]
	}
	return names
}

// DeleteField returns the delete-marker position or -1
func (s *Schema) DeleteField() int { return s.deleteField }

// Declared returns field names with KeyPrefix on key fields
func (s *Schema) Declared() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	for _, k := range s.keys {
		out[k] = KeyPrefix + out[k]
	}
	return out
}

// Equal compares field names and key positions
func (s *Schema) Equal(o *Schema) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || len(s.fields) != len(o.fields) || len(s.keys) != len(o.keys) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != o.fields[i] {
			return false
		}
	}
	for i := range s.keys {
		if s.keys[i] != o.keys[i] {
			return false
		}
	}
	return true
}

// Positions resolves names to positions
func (s *Schema) Positions(names []string) ([]int, error) {
	pos := make([]int, len(names))
	for i, name := range names {
		p := s.Index(strings.TrimPrefix(name, KeyPrefix))
		if p < 0 {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		pos[i] = p
	}
	return pos, nil
}

// Project returns the sub-schema for names, keeping key markers of
// projected key fields
func (s *Schema) Project(names []string) (*Schema, []int, error) {
	pos, err := s.Positions(names)
	if err != nil {
		return nil, nil, err
	}
	declared := make([]string, len(pos))
	for i, p := range pos {
		declared[i] = s.fields[p]
		for _, k := range s.keys {
			if k == p {
				declared[i] = KeyPrefix + declared[i]
			}
		}
	}
	return NewSchema(declared...), pos, nil
}

// Append returns a new schema with extra trailing fields
func (s *Schema) Append(names ...string) *Schema {
	declared := append(s.Declared(), names...)
	return NewSchema(declared...)
}

func (s *Schema) String() string {
	return "(" + strings.Join(s.Declared(), ",") + ")"
}
