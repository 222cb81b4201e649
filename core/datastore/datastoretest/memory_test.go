package datastoretest

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/query"
)

func newOrderStore(t *testing.T) *datastore.Store {
	t.Helper()
	store := datastore.New(NewMemory())
	_, err := store.Insert(context.Background(), "orders",
		query.Record{"customerid": 1, "orderitem": "Snowboard", "orderamount": 300, "tags": []string{"winter", "sport"}, "meta": map[string]any{"channel": "web", "gift": true}},
		query.Record{"customerid": 1, "orderitem": "skateboard", "orderamount": 120, "tags": []string{"sport"}},
		query.Record{"customerid": 2, "orderitem": "Board game", "orderamount": json.Number("45.5"), "tags": []string{}},
		query.Record{"customerid": 3, "orderitem": nil, "orderamount": 0},
	)
	require.NoError(t, err)
	return store
}

func orderIDs(records []query.Record) []string {
	ids := []string{}
	for _, r := range records {
		ids = append(ids, text(r["orderid"]))
	}
	return ids
}

func TestMemory_Operators(t *testing.T) {
	store := newOrderStore(t)

	testCases := []struct {
		name   string
		filter query.Filter
		ids    []string
	}{
		{"eq", query.Where("customerid", query.OpEq, 1), []string{"1", "2"}},
		{"eq json number", query.Where("orderamount", query.OpEq, json.Number("45.5")), []string{"3"}},
		{"eq nil", query.Where("orderitem", query.OpEq, nil), []string{"4"}},
		{"eq missing column is null", query.Where("meta", query.OpEq, nil), []string{"2", "3", "4"}},
		{"neq", query.Where("customerid", query.OpNeq, 1), []string{"3", "4"}},
		{"neq excludes null", query.Where("orderitem", query.OpNeq, "Snowboard"), []string{"2", "3"}},
		{"neq nil", query.Where("orderitem", query.OpNeq, nil), []string{"1", "2", "3"}},
		{"gt", query.Where("orderamount", query.OpGt, 120), []string{"1"}},
		{"gte", query.Where("orderamount", query.OpGte, 120), []string{"1", "2"}},
		{"lt", query.Where("orderamount", query.OpLt, "45.5"), []string{"4"}},
		{"lte", query.Where("orderamount", query.OpLte, 45.5), []string{"3", "4"}},
		{"like percent", query.Where("orderitem", query.OpLike, "%board"), []string{"1", "2"}},
		{"like is case sensitive", query.Where("orderitem", query.OpLike, "board%"), []string{}},
		{"like underscore", query.Where("orderitem", query.OpLike, "_kateboard"), []string{"2"}},
		{"like exact", query.Where("orderitem", query.OpLike, "Board game"), []string{"3"}},
		{"like dot is literal", query.Where("orderitem", query.OpLike, "Board.game"), []string{}},
		{"ilike", query.Where("orderitem", query.OpILike, "board%"), []string{"3"}},
		{"ilike infix", query.Where("orderitem", query.OpILike, "%BOARD%"), []string{"1", "2", "3"}},
		{"in any list", query.Where("customerid", query.OpIn, []any{2, json.Number("3")}), []string{"3", "4"}},
		{"in string list", query.Where("orderitem", query.OpIn, []string{"Snowboard", "Board game"}), []string{"1", "3"}},
		{"in single value", query.Where("customerid", query.OpIn, 2), []string{"3"}},
		{"in ignores nil", query.Where("orderitem", query.OpIn, []any{nil}), []string{}},
		{"contains element", query.Where("tags", query.OpContains, "winter"), []string{"1"}},
		{"contains list", query.Where("tags", query.OpContains, []string{"sport"}), []string{"1", "2"}},
		{"contains all of list", query.Where("tags", query.OpContains, []any{"sport", "winter"}), []string{"1"}},
		{"contains empty list", query.Where("tags", query.OpContains, []any{}), []string{"1", "2", "3"}},
		{"contains object", query.Where("meta", query.OpContains, map[string]any{"channel": "web"}), []string{"1"}},
		{"contains object mismatch", query.Where("meta", query.OpContains, map[string]any{"channel": "shop"}), []string{}},
		{"conjunction", query.Where("customerid", query.OpEq, 1).And("orderamount", query.OpLt, 200), []string{"2"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			records, err := store.Select(context.Background(), "orders", tc.filter)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.ids, orderIDs(records))
		})
	}
}

func TestMemory_UnsupportedOperator(t *testing.T) {
	store := newOrderStore(t)
	_, err := store.Select(context.Background(), "orders", query.Where("orderamount", "between", 1))
	assert.ErrorIs(t, err, query.ErrUnsupportedOperator)
}

func TestMemory_Mutations(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory()
	store := datastore.New(memory)

	inserted, err := store.Insert(ctx, "orders", query.Record{"customerid": 1, "orderitem": "Skis", "orderamount": 500})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "Incomplete", inserted[0]["orderstatus"])

	updated, err := store.Update(ctx, "orders", query.Record{"orderstatus": "Complete"}, query.Where("orderitem", query.OpILike, "ski%"))
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "Complete", updated[0]["orderstatus"])

	upserted, err := store.Upsert(ctx, "orders", query.Record{"orderamount": 20}, query.Where("orderitem", query.OpEq, "Wax"))
	require.NoError(t, err)
	require.Len(t, upserted, 1)
	assert.Equal(t, "Wax", upserted[0]["orderitem"])
	assert.Len(t, memory.Rows("orders"), 2)

	deleted, err := store.Delete(ctx, "orders", query.Where("orderamount", query.OpLt, 100))
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, orderIDs(deleted))
	assert.Len(t, memory.Rows("orders"), 1)

	memory.FailOn("orders", errors.New("connection refused"))
	_, err = store.Select(ctx, "orders", nil)
	assert.ErrorContains(t, err, "connection refused")
	memory.FailOn("orders", nil)
	_, err = store.Select(ctx, "orders", nil)
	assert.NoError(t, err)
}
