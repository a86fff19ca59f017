package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/syncerr"
)

func TestIdentityShape(t *testing.T) {
	schema := row.NewSchema("orders", []string{"order_id", "created_at", "_lineage"})
	created := time.Date(2025, 4, 7, 16, 45, 0, 0, time.UTC)
	r, err := row.NewRow(schema, []row.Value{
		row.String("o1"),
		row.Timestamp(created),
		row.String("hidden"),
	})
	require.NoError(t, err)

	doc, err := Identity(r)
	require.NoError(t, err)

	assert.Equal(t, "o1", doc["order_id"])
	assert.Equal(t, "2025-04-07T16:45:00Z", doc["created_at"], "timestamps are ISO-8601 UTC")
	assert.NotContains(t, doc, "_lineage", "reserved columns are dropped")
}

func TestIdentityShapeRejectsUnmarshalableNested(t *testing.T) {
	schema := row.NewSchema("orders", []string{"order_id", "extra"})
	r, err := row.NewRow(schema, []row.Value{
		row.String("o1"),
		row.Nested(map[string]any{"fn": func() {}}),
	})
	require.NoError(t, err)

	_, err = Identity(r)
	var shapeErr *syncerr.Shape
	require.ErrorAs(t, err, &shapeErr)
	assert.True(t, syncerr.IsFatal(err))
}

func TestOrderDocumentShape(t *testing.T) {
	schema := row.NewSchema("orders_search_source", []string{"order_id", "order_total_amount"})

	t.Run("integer total becomes float", func(t *testing.T) {
		r, err := row.NewRow(schema, []row.Value{row.String("o1"), row.Int(42)})
		require.NoError(t, err)
		doc, err := OrderDocument(r)
		require.NoError(t, err)
		assert.Equal(t, float64(42), doc["order_total_amount"])
	})

	t.Run("decimal string parses", func(t *testing.T) {
		r, err := row.NewRow(schema, []row.Value{row.String("o1"), row.String("19.99")})
		require.NoError(t, err)
		doc, err := OrderDocument(r)
		require.NoError(t, err)
		assert.InDelta(t, 19.99, doc["order_total_amount"].(float64), 1e-9)
	})

	t.Run("null total passes through", func(t *testing.T) {
		r, err := row.NewRow(schema, []row.Value{row.String("o1"), row.Null()})
		require.NoError(t, err)
		doc, err := OrderDocument(r)
		require.NoError(t, err)
		assert.Nil(t, doc["order_total_amount"])
	})

	t.Run("unusable total is a shape error", func(t *testing.T) {
		r, err := row.NewRow(schema, []row.Value{row.String("o1"), row.Bool(true)})
		require.NoError(t, err)
		_, err = OrderDocument(r)
		var shapeErr *syncerr.Shape
		assert.ErrorAs(t, err, &shapeErr)
	})
}

func TestResolveShape(t *testing.T) {
	fn, err := ResolveShape("")
	require.NoError(t, err)
	assert.NotNil(t, fn)

	fn, err = ResolveShape("orders")
	require.NoError(t, err)
	assert.NotNil(t, fn)

	_, err = ResolveShape("nope")
	var cfgErr *syncerr.Config
	assert.ErrorAs(t, err, &cfgErr)
}
