package data

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

type relServer struct {
	mu     sync.Mutex
	last   capturedRequest
	status int
	body   string
	header map[string]string
	hits   int
}

func (s *relServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.last = capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	}
	s.hits++
	s.mu.Unlock()

	for k, v := range s.header {
		w.Header().Set(k, v)
	}
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write([]byte(s.body))
}

func (s *relServer) captured() capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *relServer) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func newRelationalAdapter(t *testing.T, srv *relServer) *RelationalAdapter {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := transport.NewClient(transport.ClientConfig{BaseURL: ts.URL})
	require.NoError(t, err)
	return NewRelationalAdapter(NewRelationalClient(client))
}

func TestRelationalQueryTranslation(t *testing.T) {
	srv := &relServer{body: `[]`}
	adapter := newRelationalAdapter(t, srv)

	limit, offset := 10, 10
	desc := Descriptor{
		Collection: "orders",
		Conditions: []Condition{
			{Field: "status", Operator: OpEq, Value: "active"},
			{Field: "amount", Operator: OpGte, Value: 100},
		},
		OrderBy:        "created_at",
		OrderDirection: Desc,
		Limit:          &limit,
		Offset:         &offset,
	}

	_, err := adapter.Query(context.Background(), desc)
	require.NoError(t, err)

	req := srv.captured()
	assert.Equal(t, "/orders", req.Path)
	assert.Equal(t, "eq.active", req.Query.Get("status"))
	assert.Equal(t, "gte.100", req.Query.Get("amount"))
	assert.Equal(t, "created_at.desc", req.Query.Get("order"))
	assert.Equal(t, "*", req.Query.Get("select"))

	// Limit plus offset collapse into one bounded range, never separate
	// limit/offset parameters.
	assert.Equal(t, "10-19", req.Header.Get("Range"))
	assert.Equal(t, "items", req.Header.Get("Range-Unit"))
	assert.Empty(t, req.Query.Get("limit"))
	assert.Empty(t, req.Query.Get("offset"))
	assert.Equal(t, 1, srv.requests())
}

func TestRelationalLimitWithoutOffset(t *testing.T) {
	srv := &relServer{body: `[]`}
	adapter := newRelationalAdapter(t, srv)

	limit := 5
	_, err := adapter.Query(context.Background(), Descriptor{Collection: "orders", Limit: &limit})
	require.NoError(t, err)

	req := srv.captured()
	assert.Equal(t, "5", req.Query.Get("limit"))
	assert.Empty(t, req.Header.Get("Range"))
}

func TestRelationalInAndProjection(t *testing.T) {
	srv := &relServer{body: `[]`}
	adapter := newRelationalAdapter(t, srv)

	desc := Descriptor{
		Collection: "orders",
		Conditions: []Condition{{Field: "status", Operator: OpIn, Value: []string{"active", "pending"}}},
		Projection: []string{"id", "status"},
	}
	_, err := adapter.Query(context.Background(), desc)
	require.NoError(t, err)

	req := srv.captured()
	assert.Equal(t, "in.(active,pending)", req.Query.Get("status"))
	assert.Equal(t, "id,status", req.Query.Get("select"))
}

func TestRelationalRejectsUnknownOperatorLocally(t *testing.T) {
	srv := &relServer{body: `[]`}
	adapter := newRelationalAdapter(t, srv)

	desc := Descriptor{
		Collection: "orders",
		Conditions: []Condition{{Field: "status", Operator: Operator("regex"), Value: ".*"}},
	}
	_, err := adapter.Query(context.Background(), desc)
	require.Error(t, err)
	assert.Equal(t, provider.CodeNotSupported, provider.CodeOf(err))
	assert.Equal(t, 0, srv.requests())
}

func TestRelationalCountFromContentRange(t *testing.T) {
	srv := &relServer{body: `[]`, header: map[string]string{"Content-Range": "0-0/42"}}
	adapter := newRelationalAdapter(t, srv)

	n, err := adapter.Count(context.Background(), Descriptor{
		Collection: "orders",
		Conditions: []Condition{{Field: "status", Operator: OpEq, Value: "active"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	req := srv.captured()
	assert.Contains(t, req.Header.Get("Prefer"), "count=exact")
	assert.Equal(t, "eq.active", req.Query.Get("status"))
}

func TestRelationalErrorMapping(t *testing.T) {
	srv := &relServer{status: http.StatusBadRequest, body: `{"message":"bad filter","code":"22P02"}`}
	adapter := newRelationalAdapter(t, srv)

	_, err := adapter.Query(context.Background(), Descriptor{Collection: "orders"})
	require.Error(t, err)
	assert.Equal(t, provider.CodeAPIError, provider.CodeOf(err))

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
	assert.Contains(t, perr.Message, "bad filter")
}

func TestRelationalInsertReturnsRepresentation(t *testing.T) {
	srv := &relServer{body: `[{"id":"1","status":"active"}]`}
	adapter := newRelationalAdapter(t, srv)

	doc, err := adapter.Insert(context.Background(), "orders", Document{"status": "active"})
	require.NoError(t, err)
	assert.Equal(t, "1", doc["id"])

	req := srv.captured()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Contains(t, req.Header.Get("Prefer"), "return=representation")
}

func TestRelationalGetByIDUsesSingleObject(t *testing.T) {
	srv := &relServer{body: `{"id":"7","status":"active"}`}
	adapter := newRelationalAdapter(t, srv)

	doc, err := adapter.GetByID(context.Background(), "orders", "7")
	require.NoError(t, err)
	assert.Equal(t, "7", doc["id"])

	req := srv.captured()
	assert.Equal(t, "eq.7", req.Query.Get("id"))
	assert.Equal(t, "application/vnd.pgrst.object+json", req.Header.Get("Accept"))
}
