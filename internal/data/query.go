// Package data implements the backend-agnostic data access layer: a neutral
// query descriptor translated by pluggable adapters into native dialects,
// CRUD primitives, and a reference-counted realtime change subscription hub.
package data

import (
	"context"
)

// Operator is a canonical comparison operator. Adapters alone translate
// these into backend-specific operator names.
type Operator string

const (
	OpEq   Operator = "="
	OpNeq  Operator = "!="
	OpGt   Operator = ">"
	OpGte  Operator = ">="
	OpLt   Operator = "<"
	OpLte  Operator = "<="
	OpLike Operator = "like"
	OpIn   Operator = "in"
	OpIs   Operator = "is"
)

// Direction orders query results.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Condition is one filter predicate.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Descriptor is an immutable, backend-neutral query. Adapters translate it;
// nothing mutates it after Build.
type Descriptor struct {
	Collection     string      `json:"collection"`
	Conditions     []Condition `json:"conditions,omitempty"`
	OrderBy        string      `json:"orderBy,omitempty"`
	OrderDirection Direction   `json:"orderDirection,omitempty"`
	Limit          *int        `json:"limit,omitempty"`
	Offset         *int        `json:"offset,omitempty"`
	Projection     []string    `json:"projection,omitempty"`
}

// Document is a backend-neutral record.
type Document = map[string]interface{}

// Query accumulates a descriptor fluently. Building never touches the
// network; only the terminal Get/First/Count calls do.
type Query struct {
	adapter Adapter
	desc    Descriptor
}

// NewQuery starts a query against a collection.
func NewQuery(adapter Adapter, collection string) *Query {
	return &Query{
		adapter: adapter,
		desc:    Descriptor{Collection: collection},
	}
}

// Where adds a filter condition.
func (q *Query) Where(field string, op Operator, value interface{}) *Query {
	q.desc.Conditions = append(q.desc.Conditions, Condition{Field: field, Operator: op, Value: value})
	return q
}

// OrderBy sets the sort field and direction.
func (q *Query) OrderBy(field string, dir Direction) *Query {
	q.desc.OrderBy = field
	q.desc.OrderDirection = dir
	return q
}

// Limit caps the number of returned records.
func (q *Query) Limit(n int) *Query {
	q.desc.Limit = &n
	return q
}

// Offset skips the first n records.
func (q *Query) Offset(n int) *Query {
	q.desc.Offset = &n
	return q
}

// Select restricts the returned fields.
func (q *Query) Select(fields ...string) *Query {
	q.desc.Projection = fields
	return q
}

// Build snapshots the descriptor.
func (q *Query) Build() Descriptor {
	desc := q.desc
	desc.Conditions = append([]Condition(nil), q.desc.Conditions...)
	desc.Projection = append([]string(nil), q.desc.Projection...)
	return desc
}

// Get executes the query and returns all matching records.
func (q *Query) Get(ctx context.Context) ([]Document, error) {
	return q.adapter.Query(ctx, q.Build())
}

// First executes the query limited to one record. It returns nil when
// nothing matches.
func (q *Query) First(ctx context.Context) (Document, error) {
	desc := q.Build()
	one := 1
	desc.Limit = &one

	docs, err := q.adapter.Query(ctx, desc)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Count executes the query and returns only the match count.
func (q *Query) Count(ctx context.Context) (int64, error) {
	return q.adapter.Count(ctx, q.Build())
}
