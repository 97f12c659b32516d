package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
)

// RelationalClient speaks the relational backend's PostgREST-style dialect:
// filters as `column=op.value` query parameters, pagination as a Range
// header, responses as bare JSON arrays.
type RelationalClient struct {
	client *transport.Client
}

// NewRelationalClient creates the relational client.
func NewRelationalClient(client *transport.Client) *RelationalClient {
	return &RelationalClient{client: client}
}

// From starts a builder for a table.
func (c *RelationalClient) From(table string) *RelBuilder {
	return &RelBuilder{
		client:  c.client,
		table:   table,
		method:  http.MethodGet,
		columns: "*",
		query:   url.Values{},
		headers: make(map[string]string),
	}
}

// RPC calls a server-side function.
func (c *RelationalClient) RPC(ctx context.Context, fn string, params interface{}) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	resp, err := c.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "rpc/" + url.PathEscape(fn),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return relationalBody(resp)
}

// RelBuilder accumulates one relational request.
type RelBuilder struct {
	client  *transport.Client
	table   string
	method  string
	columns string
	query   url.Values
	orders  []string
	body    []byte
	headers map[string]string
	err     error
}

// Select specifies the returned columns.
func (b *RelBuilder) Select(columns string) *RelBuilder {
	b.method = http.MethodGet
	b.columns = columns
	return b
}

// Insert inserts one or more records.
func (b *RelBuilder) Insert(data interface{}) *RelBuilder {
	b.method = http.MethodPost
	b.marshalBody(data)
	b.headers["Prefer"] = "return=representation"
	return b
}

// Update patches the records matched by the accumulated filters.
func (b *RelBuilder) Update(data interface{}) *RelBuilder {
	b.method = http.MethodPatch
	b.marshalBody(data)
	b.headers["Prefer"] = "return=representation"
	return b
}

// Delete removes the records matched by the accumulated filters.
func (b *RelBuilder) Delete() *RelBuilder {
	b.method = http.MethodDelete
	b.headers["Prefer"] = "return=representation"
	return b
}

func (b *RelBuilder) marshalBody(data interface{}) {
	body, err := json.Marshal(data)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("marshal body: %w", err)
	}
	b.body = body
}

// Eq adds an equality filter.
func (b *RelBuilder) Eq(column string, value interface{}) *RelBuilder {
	b.query.Add(column, fmt.Sprintf("eq.%v", value))
	return b
}

// Neq adds a not-equal filter.
func (b *RelBuilder) Neq(column string, value interface{}) *RelBuilder {
	b.query.Add(column, fmt.Sprintf("neq.%v", value))
	return b
}

// Gt adds a greater-than filter.
func (b *RelBuilder) Gt(column string, value interface{}) *RelBuilder {
	b.query.Add(column, fmt.Sprintf("gt.%v", value))
	return b
}

// Gte adds a greater-than-or-equal filter.
func (b *RelBuilder) Gte(column string, value interface{}) *RelBuilder {
	b.query.Add(column, fmt.Sprintf("gte.%v", value))
	return b
}

// Lt adds a less-than filter.
func (b *RelBuilder) Lt(column string, value interface{}) *RelBuilder {
	b.query.Add(column, fmt.Sprintf("lt.%v", value))
	return b
}

// Lte adds a less-than-or-equal filter.
func (b *RelBuilder) Lte(column string, value interface{}) *RelBuilder {
	b.query.Add(column, fmt.Sprintf("lte.%v", value))
	return b
}

// Like adds a pattern-match filter.
func (b *RelBuilder) Like(column, pattern string) *RelBuilder {
	b.query.Add(column, "like."+pattern)
	return b
}

// Is adds an IS filter for null and booleans.
func (b *RelBuilder) Is(column string, value interface{}) *RelBuilder {
	b.query.Add(column, fmt.Sprintf("is.%v", value))
	return b
}

// In adds a membership filter.
func (b *RelBuilder) In(column string, values []interface{}) *RelBuilder {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	b.query.Add(column, "in.("+strings.Join(parts, ",")+")")
	return b
}

// Order adds a sort clause.
func (b *RelBuilder) Order(column string, dir Direction) *RelBuilder {
	b.orders = append(b.orders, column+"."+string(dir))
	return b
}

// Limit caps the result size.
func (b *RelBuilder) Limit(n int) *RelBuilder {
	b.query.Set("limit", strconv.Itoa(n))
	return b
}

// Offset skips leading rows.
func (b *RelBuilder) Offset(n int) *RelBuilder {
	b.query.Set("offset", strconv.Itoa(n))
	return b
}

// Range requests rows from..to inclusive in one bounded call.
func (b *RelBuilder) Range(from, to int) *RelBuilder {
	b.headers["Range"] = fmt.Sprintf("%d-%d", from, to)
	b.headers["Range-Unit"] = "items"
	return b
}

// Single requests exactly one object instead of an array.
func (b *RelBuilder) Single() *RelBuilder {
	b.headers["Accept"] = "application/vnd.pgrst.object+json"
	return b
}

// Execute runs the request and returns the raw body.
func (b *RelBuilder) Execute(ctx context.Context) ([]byte, error) {
	resp, err := b.do(ctx)
	if err != nil {
		return nil, err
	}
	return relationalBody(resp)
}

// ExecuteInto runs the request and unmarshals the body into dest.
func (b *RelBuilder) ExecuteInto(ctx context.Context, dest interface{}) error {
	data, err := b.Execute(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// ExecuteCount runs the request asking only for the exact match count taken
// from the Content-Range header.
func (b *RelBuilder) ExecuteCount(ctx context.Context) (int64, error) {
	b.headers["Prefer"] = appendPrefer(b.headers["Prefer"], "count=exact")
	b.Range(0, 0)

	resp, err := b.do(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := relationalBody(resp); err != nil {
		return 0, err
	}

	// Content-Range: 0-0/57 or */57
	cr := resp.Header.Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 {
		return 0, provider.NewError(provider.CodeAPIError, "missing Content-Range in count response")
	}
	total, err := strconv.ParseInt(cr[idx+1:], 10, 64)
	if err != nil {
		return 0, provider.NewError(provider.CodeAPIError, "malformed Content-Range in count response")
	}
	return total, nil
}

func (b *RelBuilder) do(ctx context.Context) (*transport.Response, error) {
	if b.err != nil {
		return nil, b.err
	}

	query := url.Values{}
	for k, vs := range b.query {
		query[k] = vs
	}
	if b.method == http.MethodGet && b.columns != "" {
		query.Set("select", b.columns)
	}
	if len(b.orders) > 0 {
		query.Set("order", strings.Join(b.orders, ","))
	}

	return b.client.Do(ctx, transport.Request{
		Method:  b.method,
		Path:    url.PathEscape(b.table),
		Query:   query,
		Body:    b.body,
		Headers: b.headers,
	})
}

// relationalBody returns the body of a 2xx response and maps anything else
// to a tagged API error using the backend's {message, code} shape.
func relationalBody(resp *transport.Response) ([]byte, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	var remote struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	_ = json.Unmarshal(resp.Body, &remote)
	msg := remote.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return nil, provider.APIError(msg, resp.StatusCode)
}

func appendPrefer(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "," + addition
}

// RelationalAdapter maps the neutral descriptor onto the relational
// dialect.
type RelationalAdapter struct {
	c *RelationalClient
}

// NewRelationalAdapter creates the adapter.
func NewRelationalAdapter(c *RelationalClient) *RelationalAdapter {
	return &RelationalAdapter{c: c}
}

// applyConditions translates canonical conditions onto the builder. Every
// operator has exactly one native spelling; anything else is rejected
// before the network is touched.
func applyConditions(b *RelBuilder, conditions []Condition) error {
	for _, cond := range conditions {
		switch cond.Operator {
		case OpEq:
			b.Eq(cond.Field, cond.Value)
		case OpNeq:
			b.Neq(cond.Field, cond.Value)
		case OpGt:
			b.Gt(cond.Field, cond.Value)
		case OpGte:
			b.Gte(cond.Field, cond.Value)
		case OpLt:
			b.Lt(cond.Field, cond.Value)
		case OpLte:
			b.Lte(cond.Field, cond.Value)
		case OpLike:
			b.Like(cond.Field, fmt.Sprintf("%v", cond.Value))
		case OpIs:
			b.Is(cond.Field, cond.Value)
		case OpIn:
			values, err := inValues(cond.Value)
			if err != nil {
				return err
			}
			b.In(cond.Field, values)
		default:
			return provider.NewError(provider.CodeNotSupported,
				fmt.Sprintf("operator %q has no relational translation", cond.Operator))
		}
	}
	return nil
}

func inValues(value interface{}) ([]interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		return v, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]interface{}, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, nil
	default:
		return nil, provider.NewError(provider.CodeNotSupported, "in operator requires a list value")
	}
}

func (a *RelationalAdapter) builder(desc Descriptor) (*RelBuilder, error) {
	columns := "*"
	if len(desc.Projection) > 0 {
		columns = strings.Join(desc.Projection, ",")
	}

	b := a.c.From(desc.Collection).Select(columns)
	if err := applyConditions(b, desc.Conditions); err != nil {
		return nil, err
	}
	if desc.OrderBy != "" {
		dir := desc.OrderDirection
		if dir == "" {
			dir = Asc
		}
		b.Order(desc.OrderBy, dir)
	}

	// Limit plus offset collapse into one bounded range request.
	switch {
	case desc.Limit != nil && desc.Offset != nil:
		b.Range(*desc.Offset, *desc.Offset+*desc.Limit-1)
	case desc.Limit != nil:
		b.Limit(*desc.Limit)
	case desc.Offset != nil:
		b.Offset(*desc.Offset)
	}
	return b, nil
}

func (a *RelationalAdapter) Query(ctx context.Context, desc Descriptor) ([]Document, error) {
	b, err := a.builder(desc)
	if err != nil {
		return nil, err
	}

	var docs []Document
	if err := b.ExecuteInto(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (a *RelationalAdapter) Count(ctx context.Context, desc Descriptor) (int64, error) {
	b := a.c.From(desc.Collection).Select("id")
	if err := applyConditions(b, desc.Conditions); err != nil {
		return 0, err
	}
	return b.ExecuteCount(ctx)
}

func (a *RelationalAdapter) GetByID(ctx context.Context, collection, id string) (Document, error) {
	var doc Document
	err := a.c.From(collection).Select("*").Eq("id", id).Single().ExecuteInto(ctx, &doc)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (a *RelationalAdapter) Insert(ctx context.Context, collection string, doc Document) (Document, error) {
	var out []Document
	if err := a.c.From(collection).Insert(doc).ExecuteInto(ctx, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, provider.NewError(provider.CodeAPIError, "insert returned no representation")
	}
	return out[0], nil
}

func (a *RelationalAdapter) InsertMany(ctx context.Context, collection string, docs []Document) ([]Document, error) {
	var out []Document
	if err := a.c.From(collection).Insert(docs).ExecuteInto(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *RelationalAdapter) Update(ctx context.Context, collection, id string, changes Document) (Document, error) {
	var out []Document
	err := a.c.From(collection).Update(changes).Eq("id", id).ExecuteInto(ctx, &out)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, provider.NewError(provider.CodeAPIError, "update matched no record")
	}
	return out[0], nil
}

func (a *RelationalAdapter) UpdateMany(ctx context.Context, collection string, conditions []Condition, changes Document) (int64, error) {
	b := a.c.From(collection).Update(changes)
	if err := applyConditions(b, conditions); err != nil {
		return 0, err
	}

	var out []Document
	if err := b.ExecuteInto(ctx, &out); err != nil {
		return 0, err
	}
	return int64(len(out)), nil
}

func (a *RelationalAdapter) Delete(ctx context.Context, collection, id string) error {
	_, err := a.c.From(collection).Delete().Eq("id", id).Execute(ctx)
	return err
}

func (a *RelationalAdapter) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int64, error) {
	b := a.c.From(collection).Delete()
	if err := applyConditions(b, conditions); err != nil {
		return 0, err
	}

	var out []Document
	if err := b.ExecuteInto(ctx, &out); err != nil {
		return 0, err
	}
	return int64(len(out)), nil
}
