package data

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/providerkit/internal/provider"
)

// newMockSQLAdapter wires the adapter to a sqlmock connection so the
// generated statements actually run. Exact-match mode doubles as an
// assertion on the SQL text.
func newMockSQLAdapter(t *testing.T) (*SQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sdb := sqlx.NewDb(db, "sqlmock")
	return &SQLAdapter{sqlCore: sqlCore{ext: sdb}, db: sdb}, mock
}

func TestSQLAdapterQueryRunsSingleBoundedStatement(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	limit, offset := 2, 1
	mock.ExpectQuery(`SELECT * FROM "products" WHERE "status" = $1 ORDER BY "price" LIMIT $2 OFFSET $3`).
		WithArgs("active", 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow("p2", []byte("widget")).
			AddRow("p3", []byte("gadget")))

	docs, err := adapter.Query(context.Background(), Descriptor{
		Collection:     "products",
		Conditions:     []Condition{{Field: "status", Operator: OpEq, Value: "active"}},
		OrderBy:        "price",
		OrderDirection: Asc,
		Limit:          &limit,
		Offset:         &offset,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	// Byte columns come back as strings.
	assert.Equal(t, "widget", docs[0]["name"])
	assert.Equal(t, "p3", docs[1]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterCount(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	mock.ExpectQuery(`SELECT COUNT(*) AS count FROM "products" WHERE "status" = $1`).
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := adapter.Count(context.Background(), Descriptor{
		Collection: "products",
		Conditions: []Condition{{Field: "status", Operator: OpEq, Value: "active"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterInsertReturnsRepresentation(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	mock.ExpectQuery(`INSERT INTO "products" ("name", "price") VALUES ($1, $2) RETURNING *`).
		WithArgs("widget", 9.99).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price"}).
			AddRow("p1", "widget", 9.99))

	doc, err := adapter.Insert(context.Background(), "products", Document{
		"name":  "widget",
		"price": 9.99,
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", doc["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterUpdateMissingRowIsAPIError(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	mock.ExpectQuery(`UPDATE "products" SET "price" = $1 WHERE id = $2 RETURNING *`).
		WithArgs(7.5, "gone").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := adapter.Update(context.Background(), "products", "gone", Document{"price": 7.5})
	require.Error(t, err)
	assert.Equal(t, provider.CodeAPIError, provider.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterTransactionCommit(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "products" WHERE "status" = $1`).
		WithArgs("retired").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tx, err := adapter.BeginTx(context.Background())
	require.NoError(t, err)

	n, err := tx.DeleteMany(context.Background(), "products",
		[]Condition{{Field: "status", Operator: OpEq, Value: "retired"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterTransactionRollback(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "products" SET "price" = $1 WHERE "status" = $2`).
		WithArgs(0.0, "retired").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectRollback()

	tx, err := adapter.BeginTx(context.Background())
	require.NoError(t, err)

	n, err := tx.UpdateMany(context.Background(), "products",
		[]Condition{{Field: "status", Operator: OpEq, Value: "retired"}},
		Document{"price": 0.0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterRawQuery(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	mock.ExpectQuery(`SELECT id FROM products WHERE price > $1`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p5"))

	docs, err := adapter.RawQuery(context.Background(), "SELECT id FROM products WHERE price > $1", 100)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "p5", docs[0]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterQueryErrorIsTaggedNetwork(t *testing.T) {
	adapter, mock := newMockSQLAdapter(t)

	mock.ExpectQuery(`SELECT * FROM "products"`).
		WillReturnError(errors.New("connection reset"))

	_, err := adapter.Query(context.Background(), Descriptor{Collection: "products"})
	require.Error(t, err)
	assert.Equal(t, provider.CodeNetworkError, provider.CodeOf(err))
}
