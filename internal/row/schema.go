package row

import "fmt"

// Schema is the fixed, ordered column list of one view, captured from the
// first row the upstream yields. Column positions are stable for the life
// of a subscription.
type Schema struct {
	View    string
	Columns []string

	index map[string]int
}

// NewSchema builds a schema for the named view from an ordered column list.
func NewSchema(view string, columns []string) *Schema {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Schema{View: view, Columns: cols, index: idx}
}

// Index returns the position of the named column.
func (s *Schema) Index(column string) (int, bool) {
	i, ok := s.index[column]
	return i, ok
}

// Row is one row of a view: positional values resolved through the view
// schema. Rows are treated as immutable once decoded.
type Row struct {
	Schema *Schema
	Values []Value
}

// NewRow pairs a schema with decoded values.
func NewRow(schema *Schema, values []Value) (Row, error) {
	if len(values) != len(schema.Columns) {
		return Row{}, fmt.Errorf("row has %d values, schema %q has %d columns",
			len(values), schema.View, len(schema.Columns))
	}
	return Row{Schema: schema, Values: values}, nil
}

// Get returns the value of the named column.
func (r Row) Get(column string) (Value, bool) {
	i, ok := r.Schema.Index(column)
	if !ok {
		return Value{}, false
	}
	return r.Values[i], true
}

// Equal compares two rows column by column. Rows from different schemas
// are never equal.
func (r Row) Equal(o Row) bool {
	if r.Schema != o.Schema || len(r.Values) != len(o.Values) {
		return false
	}
	for i := range r.Values {
		if !r.Values[i].Equal(o.Values[i]) {
			return false
		}
	}
	return true
}

// Map renders the row as a column-to-value map with Go-native values,
// timestamps formatted ISO-8601 UTC. The result is safe for the caller to
// mutate.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.Values))
	for i, c := range r.Schema.Columns {
		m[c] = r.Values[i].Interface()
	}
	return m
}
