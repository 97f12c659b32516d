package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/marketloop/providerkit/internal/transport"
)

// serializedQuery is the wire shape the REST backend understands. The
// descriptor is serialized into one query parameter; the backend applies
// offset/limit as a single bounded range.
type serializedQuery struct {
	Offset         *int        `json:"offset,omitempty"`
	Limit          *int        `json:"limit,omitempty"`
	OrderBy        string      `json:"orderBy,omitempty"`
	OrderDirection Direction   `json:"orderDirection,omitempty"`
	Filters        []Condition `json:"filters,omitempty"`
}

// RESTAdapter drives the REST+socket backend. Filters travel as one
// JSON-serialized query parameter; canonical operator names go over the
// wire untranslated because the backend speaks the canonical dialect.
type RESTAdapter struct {
	client *transport.Client
}

// NewRESTAdapter creates the REST adapter.
func NewRESTAdapter(client *transport.Client) *RESTAdapter {
	return &RESTAdapter{client: client}
}

// TranslateFilter serializes conditions into the backend's query parameter
// value.
func (a *RESTAdapter) TranslateFilter(conditions []Condition) (string, error) {
	raw, err := json.Marshal(serializedQuery{Filters: conditions})
	if err != nil {
		return "", fmt.Errorf("serialize filters: %w", err)
	}
	return string(raw), nil
}

func (a *RESTAdapter) Query(ctx context.Context, desc Descriptor) ([]Document, error) {
	data, err := a.get(ctx, "data/"+url.PathEscape(desc.Collection), desc)
	if err != nil {
		return nil, err
	}

	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse query result: %w", err)
	}
	return docs, nil
}

func (a *RESTAdapter) Count(ctx context.Context, desc Descriptor) (int64, error) {
	data, err := a.get(ctx, "data/"+url.PathEscape(desc.Collection)+"/count", desc)
	if err != nil {
		return 0, err
	}

	var result struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("parse count result: %w", err)
	}
	return result.Count, nil
}

func (a *RESTAdapter) GetByID(ctx context.Context, collection, id string) (Document, error) {
	resp, err := a.client.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "data/" + url.PathEscape(collection) + "/" + url.PathEscape(id),
	})
	if err != nil {
		return nil, err
	}
	data, err := transport.Unwrap(resp)
	if err != nil {
		return nil, err
	}
	return parseDocument(data)
}

func (a *RESTAdapter) Insert(ctx context.Context, collection string, doc Document) (Document, error) {
	data, err := a.send(ctx, http.MethodPost, "data/"+url.PathEscape(collection), nil, doc)
	if err != nil {
		return nil, err
	}
	return parseDocument(data)
}

func (a *RESTAdapter) InsertMany(ctx context.Context, collection string, docs []Document) ([]Document, error) {
	data, err := a.send(ctx, http.MethodPost, "data/"+url.PathEscape(collection)+"/bulk", nil, docs)
	if err != nil {
		return nil, err
	}

	var out []Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse insert result: %w", err)
	}
	return out, nil
}

func (a *RESTAdapter) Update(ctx context.Context, collection, id string, changes Document) (Document, error) {
	path := "data/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	data, err := a.send(ctx, http.MethodPatch, path, nil, changes)
	if err != nil {
		return nil, err
	}
	return parseDocument(data)
}

func (a *RESTAdapter) UpdateMany(ctx context.Context, collection string, conditions []Condition, changes Document) (int64, error) {
	query, err := a.TranslateFilter(conditions)
	if err != nil {
		return 0, err
	}
	q := url.Values{"query": {query}}

	data, err := a.send(ctx, http.MethodPatch, "data/"+url.PathEscape(collection), q, changes)
	if err != nil {
		return 0, err
	}
	return parseCount(data)
}

func (a *RESTAdapter) Delete(ctx context.Context, collection, id string) error {
	resp, err := a.client.Do(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "data/" + url.PathEscape(collection) + "/" + url.PathEscape(id),
	})
	if err != nil {
		return err
	}
	_, err = transport.Unwrap(resp)
	return err
}

func (a *RESTAdapter) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int64, error) {
	query, err := a.TranslateFilter(conditions)
	if err != nil {
		return 0, err
	}
	q := url.Values{"query": {query}}

	resp, err := a.client.Do(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "data/" + url.PathEscape(collection),
		Query:  q,
	})
	if err != nil {
		return 0, err
	}
	data, err := transport.Unwrap(resp)
	if err != nil {
		return 0, err
	}
	return parseCount(data)
}

func (a *RESTAdapter) get(ctx context.Context, path string, desc Descriptor) ([]byte, error) {
	sq := serializedQuery{
		Offset:         desc.Offset,
		Limit:          desc.Limit,
		OrderBy:        desc.OrderBy,
		OrderDirection: desc.OrderDirection,
		Filters:        desc.Conditions,
	}
	raw, err := json.Marshal(sq)
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	q := url.Values{"query": {string(raw)}}
	if len(desc.Projection) > 0 {
		q.Set("select", strings.Join(desc.Projection, ","))
	}

	resp, err := a.client.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	return transport.Unwrap(resp)
}

func (a *RESTAdapter) send(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	resp, err := a.client.Do(ctx, transport.Request{
		Method: method,
		Path:   path,
		Query:  query,
		Body:   raw,
	})
	if err != nil {
		return nil, err
	}
	return transport.Unwrap(resp)
}

func parseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func parseCount(data []byte) (int64, error) {
	var result struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	return result.Count, nil
}
