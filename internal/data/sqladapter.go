package data

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketloop/providerkit/internal/provider"
)

// SQLAdapter runs the descriptor against Postgres directly. It is the only
// adapter with native transactions and raw queries.
type SQLAdapter struct {
	sqlCore
	db *sqlx.DB
}

// NewSQLAdapter opens and pings a Postgres connection.
func NewSQLAdapter(ctx context.Context, dsn string) (*SQLAdapter, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, provider.WrapError(provider.CodeNetworkError, "connect to database", err)
	}
	return &SQLAdapter{sqlCore: sqlCore{ext: db}, db: db}, nil
}

// Close releases the connection pool.
func (a *SQLAdapter) Close() error {
	return a.db.Close()
}

// BeginTx starts a transaction whose handle runs the same CRUD surface.
func (a *SQLAdapter) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, provider.WrapError(provider.CodeNetworkError, "begin transaction", err)
	}
	return &sqlTx{sqlCore: sqlCore{ext: tx}, tx: tx}, nil
}

type sqlTx struct {
	sqlCore
	tx *sqlx.Tx
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// sqlCore implements the CRUD surface over either a pool or a transaction.
type sqlCore struct {
	ext sqlx.ExtContext
}

func (c sqlCore) Query(ctx context.Context, desc Descriptor) ([]Document, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(desc.Projection) > 0 {
		cols := make([]string, len(desc.Projection))
		for i, col := range desc.Projection {
			cols[i] = pq.QuoteIdentifier(col)
		}
		sb.WriteString(strings.Join(cols, ", "))
	} else {
		sb.WriteString("*")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(pq.QuoteIdentifier(desc.Collection))

	where, args, err := whereClause(desc.Conditions, 1)
	if err != nil {
		return nil, err
	}
	sb.WriteString(where)

	if desc.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(pq.QuoteIdentifier(desc.OrderBy))
		if desc.OrderDirection == Desc {
			sb.WriteString(" DESC")
		}
	}

	// Limit and offset go into the same statement, one round trip.
	if desc.Limit != nil {
		args = append(args, *desc.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if desc.Offset != nil {
		args = append(args, *desc.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return c.queryDocuments(ctx, sb.String(), args...)
}

func (c sqlCore) Count(ctx context.Context, desc Descriptor) (int64, error) {
	where, args, err := whereClause(desc.Conditions, 1)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) AS count FROM " + pq.QuoteIdentifier(desc.Collection) + where

	docs, err := c.queryDocuments(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	switch v := docs[0]["count"].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected count type %T", docs[0]["count"])
	}
}

func (c sqlCore) GetByID(ctx context.Context, collection, id string) (Document, error) {
	query := "SELECT * FROM " + pq.QuoteIdentifier(collection) + " WHERE id = $1"
	docs, err := c.queryDocuments(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (c sqlCore) Insert(ctx context.Context, collection string, doc Document) (Document, error) {
	cols, placeholders, args := insertParts(doc, 1)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		pq.QuoteIdentifier(collection), cols, placeholders)

	docs, err := c.queryDocuments(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("insert into %s returned no row", collection)
	}
	return docs[0], nil
}

func (c sqlCore) InsertMany(ctx context.Context, collection string, docs []Document) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		inserted, err := c.Insert(ctx, collection, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inserted)
	}
	return out, nil
}

func (c sqlCore) Update(ctx context.Context, collection, id string, changes Document) (Document, error) {
	set, args := setClause(changes, 1)
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING *",
		pq.QuoteIdentifier(collection), set, len(args))

	docs, err := c.queryDocuments(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, provider.APIError("record not found", 404)
	}
	return docs[0], nil
}

func (c sqlCore) UpdateMany(ctx context.Context, collection string, conditions []Condition, changes Document) (int64, error) {
	set, args := setClause(changes, 1)
	where, whereArgs, err := whereClause(conditions, len(args)+1)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s%s", pq.QuoteIdentifier(collection), set, where)

	res, err := c.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapSQLError(err)
	}
	return res.RowsAffected()
}

func (c sqlCore) Delete(ctx context.Context, collection, id string) error {
	query := "DELETE FROM " + pq.QuoteIdentifier(collection) + " WHERE id = $1"
	if _, err := c.ext.ExecContext(ctx, query, id); err != nil {
		return wrapSQLError(err)
	}
	return nil
}

func (c sqlCore) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int64, error) {
	where, args, err := whereClause(conditions, 1)
	if err != nil {
		return 0, err
	}
	query := "DELETE FROM " + pq.QuoteIdentifier(collection) + where

	res, err := c.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapSQLError(err)
	}
	return res.RowsAffected()
}

// RawQuery runs a native SQL statement.
func (c sqlCore) RawQuery(ctx context.Context, query string, args ...interface{}) ([]Document, error) {
	return c.queryDocuments(ctx, query, args...)
}

func (c sqlCore) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]Document, error) {
	rows, err := c.ext.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLError(err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc := Document{}
		if err := rows.MapScan(doc); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range doc {
			if b, ok := v.([]byte); ok {
				doc[k] = string(b)
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLError(err)
	}
	return docs, nil
}

// whereClause translates canonical conditions into SQL, numbering
// placeholders from startIdx.
func whereClause(conditions []Condition, startIdx int) (string, []interface{}, error) {
	if len(conditions) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(conditions))
	args := make([]interface{}, 0, len(conditions))
	idx := startIdx

	for _, cond := range conditions {
		col := pq.QuoteIdentifier(cond.Field)
		switch cond.Operator {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
			clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, cond.Operator, idx))
			args = append(args, cond.Value)
			idx++
		case OpLike:
			clauses = append(clauses, fmt.Sprintf("%s LIKE $%d", col, idx))
			args = append(args, cond.Value)
			idx++
		case OpIn:
			values, err := inValues(cond.Value)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, idx))
			args = append(args, pq.Array(values))
			idx++
		case OpIs:
			switch v := cond.Value.(type) {
			case nil:
				clauses = append(clauses, col+" IS NULL")
			case bool:
				if v {
					clauses = append(clauses, col+" IS TRUE")
				} else {
					clauses = append(clauses, col+" IS FALSE")
				}
			default:
				return "", nil, provider.NewError(provider.CodeNotSupported,
					"is operator requires null or boolean value")
			}
		default:
			return "", nil, provider.NewError(provider.CodeNotSupported,
				fmt.Sprintf("operator %q has no SQL translation", cond.Operator))
		}
	}

	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// insertParts lays out columns in sorted order so statements are
// deterministic.
func insertParts(doc Document, startIdx int) (cols, placeholders string, args []interface{}) {
	keys := sortedKeys(doc)

	colParts := make([]string, len(keys))
	phParts := make([]string, len(keys))
	args = make([]interface{}, len(keys))
	for i, k := range keys {
		colParts[i] = pq.QuoteIdentifier(k)
		phParts[i] = fmt.Sprintf("$%d", startIdx+i)
		args[i] = doc[k]
	}
	return strings.Join(colParts, ", "), strings.Join(phParts, ", "), args
}

func setClause(changes Document, startIdx int) (string, []interface{}) {
	keys := sortedKeys(changes)

	parts := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), startIdx+i)
		args[i] = changes[k]
	}
	return strings.Join(parts, ", "), args
}

func sortedKeys(doc Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func wrapSQLError(err error) error {
	return provider.WrapError(provider.CodeNetworkError, "database query failed", err)
}
