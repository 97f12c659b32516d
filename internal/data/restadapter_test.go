package data

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
)

func newRESTAdapter(t *testing.T, srv *relServer) *RESTAdapter {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := transport.NewClient(transport.ClientConfig{BaseURL: ts.URL})
	require.NoError(t, err)
	return NewRESTAdapter(client)
}

func TestRESTQuerySerialization(t *testing.T) {
	srv := &relServer{body: `{"success":true,"data":[{"id":"1"}]}`}
	adapter := newRESTAdapter(t, srv)

	limit, offset := 20, 40
	desc := Descriptor{
		Collection: "orders",
		Conditions: []Condition{
			{Field: "status", Operator: OpEq, Value: "active"},
			{Field: "amount", Operator: OpLte, Value: float64(99)},
		},
		OrderBy:        "created_at",
		OrderDirection: Desc,
		Limit:          &limit,
		Offset:         &offset,
		Projection:     []string{"id", "status"},
	}

	docs, err := adapter.Query(context.Background(), desc)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	req := srv.captured()
	assert.Equal(t, "/data/orders", req.Path)
	assert.Equal(t, "id,status", req.Query.Get("select"))

	// The whole descriptor travels as one serialized query parameter, so
	// offset and limit reach the backend as one bounded range.
	var sq serializedQuery
	require.NoError(t, json.Unmarshal([]byte(req.Query.Get("query")), &sq))
	require.NotNil(t, sq.Limit)
	require.NotNil(t, sq.Offset)
	assert.Equal(t, 20, *sq.Limit)
	assert.Equal(t, 40, *sq.Offset)
	assert.Equal(t, "created_at", sq.OrderBy)
	assert.Equal(t, Desc, sq.OrderDirection)
	require.Len(t, sq.Filters, 2)
	assert.Equal(t, Condition{Field: "status", Operator: OpEq, Value: "active"}, sq.Filters[0])
	assert.Equal(t, 1, srv.requests())
}

func TestRESTTranslateFilterKeepsCanonicalOperators(t *testing.T) {
	adapter := NewRESTAdapter(nil)

	out, err := adapter.TranslateFilter([]Condition{
		{Field: "status", Operator: OpNeq, Value: "closed"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filters":[{"field":"status","operator":"!=","value":"closed"}]}`, out)
}

func TestRESTEnvelopeErrorSurfacesCode(t *testing.T) {
	srv := &relServer{
		status: http.StatusForbidden,
		body:   `{"success":false,"error":{"code":"NOT_AUTHENTICATED","message":"login required"}}`,
	}
	adapter := newRESTAdapter(t, srv)

	_, err := adapter.Query(context.Background(), Descriptor{Collection: "orders"})
	require.Error(t, err)
	assert.Equal(t, provider.CodeNotAuthenticated, provider.CodeOf(err))

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusForbidden, perr.StatusCode)
}

func TestRESTUpdateManyReturnsCount(t *testing.T) {
	srv := &relServer{body: `{"success":true,"data":{"count":3}}`}
	adapter := newRESTAdapter(t, srv)

	n, err := adapter.UpdateMany(context.Background(), "orders",
		[]Condition{{Field: "status", Operator: OpEq, Value: "stale"}},
		Document{"status": "archived"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	req := srv.captured()
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Contains(t, req.Query.Get("query"), `"operator":"="`)
}

func TestRESTCount(t *testing.T) {
	srv := &relServer{body: `{"success":true,"data":{"count":17}}`}
	adapter := newRESTAdapter(t, srv)

	n, err := adapter.Count(context.Background(), Descriptor{Collection: "orders"})
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	assert.Equal(t, "/data/orders/count", srv.captured().Path)
}

func TestRESTDeleteByID(t *testing.T) {
	srv := &relServer{body: `{"success":true}`}
	adapter := newRESTAdapter(t, srv)

	require.NoError(t, adapter.Delete(context.Background(), "orders", "o-1"))
	req := srv.captured()
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/data/orders/o-1", req.Path)
}
