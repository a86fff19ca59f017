package search

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/syncerr"
)

// ShapeFunc maps one view row to the JSON document indexed for it.
type ShapeFunc func(r row.Row) (map[string]any, error)

// Shapes is the registry of named shape functions referenced by pipeline
// descriptors. The empty name resolves to the identity shape.
var Shapes = map[string]ShapeFunc{
	"":         Identity,
	"identity": Identity,
	"orders":   OrderDocument,
}

// ResolveShape looks up a shape by descriptor id.
func ResolveShape(id string) (ShapeFunc, error) {
	fn, ok := Shapes[id]
	if !ok {
		return nil, &syncerr.Config{Field: "shape", Err: fmt.Errorf("unknown shape %q", id)}
	}
	return fn, nil
}

// Identity maps columns to fields one to one. Timestamps become
// ISO-8601 UTC strings and columns with the reserved "_" prefix are
// dropped.
func Identity(r row.Row) (map[string]any, error) {
	doc := make(map[string]any, len(r.Values))
	for i, col := range r.Schema.Columns {
		if strings.HasPrefix(col, "_") {
			continue
		}
		v := r.Values[i]
		if v.Kind == row.KindNested {
			if _, err := json.Marshal(v.Nested); err != nil {
				return nil, &syncerr.Shape{View: r.Schema.View, Column: col, Err: err}
			}
		}
		doc[col] = v.Interface()
	}
	return doc, nil
}

// OrderDocument shapes orders_search_source rows: identity fields with
// monetary amounts as floats so range queries behave.
func OrderDocument(r row.Row) (map[string]any, error) {
	doc, err := Identity(r)
	if err != nil {
		return nil, err
	}
	if v, ok := r.Get("order_total_amount"); ok && !v.IsNull() {
		switch v.Kind {
		case row.KindInt:
			doc["order_total_amount"] = float64(v.Int)
		case row.KindFloat:
			doc["order_total_amount"] = v.Float
		case row.KindString:
			var f float64
			if _, err := fmt.Sscanf(v.Str, "%g", &f); err != nil {
				return nil, &syncerr.Shape{View: r.Schema.View, Column: "order_total_amount", Err: err}
			}
			doc["order_total_amount"] = f
		default:
			return nil, &syncerr.Shape{
				View:   r.Schema.View,
				Column: "order_total_amount",
				Err:    fmt.Errorf("cannot coerce %s to a number", v.Kind),
			}
		}
	}
	return doc, nil
}
