package billing

import (
	"encoding/json"
	"strings"
)

// RawRecord is one spreadsheet row keyed by normalized header.
type RawRecord map[string]Value

// Record is a canonicalized settlement row. Values holds every schema field
// and both metadata fields; Extras keeps unrecognized columns for display only.
type Record struct {
	Values map[Field]Value
	Extras map[string]Value
}

// NewRecord returns a record with every commit field set to null.
func NewRecord(s *Schema) *Record {
	r := &Record{Values: make(map[Field]Value, len(s.Fields)+len(MetaFields))}
	for _, f := range s.CommitFields() {
		r.Values[f] = Null()
	}
	return r
}

// Get returns the value of f, null when absent.
func (r *Record) Get(f Field) Value {
	return r.Values[f]
}

func (r *Record) Set(f Field, v Value) {
	r.Values[f] = v
}

// Project returns the values of fields in order.
func (r *Record) Project(fields []Field) []Value {
	out := make([]Value, len(fields))
	for i, f := range fields {
		out[i] = r.Values[f]
	}
	return out
}

// MarshalJSON flattens values and extras into one object.
func (r *Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]Value, len(r.Values)+len(r.Extras))
	for k, v := range r.Extras {
		m[k] = v
	}
	for f, v := range r.Values {
		m[string(f)] = v
	}
	return json.Marshal(m)
}

// KeySeparator joins natural key segments.
const KeySeparator = "|"

// JoinKey joins natural key segments; null and empty segments are identical.
func JoinKey(values []Value) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Text()
	}
	return strings.Join(parts, KeySeparator)
}

// NaturalKeyOf returns the joined natural key of r under s.
func (s *Schema) NaturalKeyOf(r *Record) string {
	return JoinKey(r.Project(s.NaturalKey))
}

// KeyValues is a natural key as returned by the store, one segment per
// natural key field in schema order.
type KeyValues []string

// Join renders k the same way JoinKey renders a record's key.
func (k KeyValues) Join() string {
	return strings.Join(k, KeySeparator)
}
