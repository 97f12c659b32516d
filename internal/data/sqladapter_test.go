package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/providerkit/internal/provider"
)

func TestWhereClauseComparisonOperators(t *testing.T) {
	where, args, err := whereClause([]Condition{
		{Field: "status", Operator: OpEq, Value: "active"},
		{Field: "amount", Operator: OpGte, Value: 100},
		{Field: "name", Operator: OpLike, Value: "blue%"},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, ` WHERE "status" = $1 AND "amount" >= $2 AND "name" LIKE $3`, where)
	assert.Equal(t, []interface{}{"active", 100, "blue%"}, args)
}

func TestWhereClausePlaceholderOffset(t *testing.T) {
	where, args, err := whereClause([]Condition{
		{Field: "status", Operator: OpNeq, Value: "closed"},
	}, 3)
	require.NoError(t, err)

	assert.Equal(t, ` WHERE "status" != $3`, where)
	assert.Len(t, args, 1)
}

func TestWhereClauseInUsesAny(t *testing.T) {
	where, args, err := whereClause([]Condition{
		{Field: "status", Operator: OpIn, Value: []string{"active", "pending"}},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, ` WHERE "status" = ANY($1)`, where)
	assert.Len(t, args, 1)
}

func TestWhereClauseIsVariants(t *testing.T) {
	where, args, err := whereClause([]Condition{
		{Field: "deleted_at", Operator: OpIs, Value: nil},
		{Field: "active", Operator: OpIs, Value: true},
		{Field: "hidden", Operator: OpIs, Value: false},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, ` WHERE "deleted_at" IS NULL AND "active" IS TRUE AND "hidden" IS FALSE`, where)
	assert.Empty(t, args)
}

func TestWhereClauseRejectsBadIsValue(t *testing.T) {
	_, _, err := whereClause([]Condition{
		{Field: "active", Operator: OpIs, Value: "yes"},
	}, 1)
	require.Error(t, err)
	assert.Equal(t, provider.CodeNotSupported, provider.CodeOf(err))
}

func TestWhereClauseRejectsUnknownOperator(t *testing.T) {
	_, _, err := whereClause([]Condition{
		{Field: "status", Operator: Operator("regex"), Value: ".*"},
	}, 1)
	require.Error(t, err)
	assert.Equal(t, provider.CodeNotSupported, provider.CodeOf(err))
}

func TestWhereClauseQuotesIdentifiers(t *testing.T) {
	where, _, err := whereClause([]Condition{
		{Field: `sta"tus`, Operator: OpEq, Value: "x"},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, ` WHERE "sta""tus" = $1`, where)
}

func TestInsertPartsDeterministicOrder(t *testing.T) {
	doc := Document{"zeta": 1, "alpha": 2, "mid": 3}

	cols, placeholders, args := insertParts(doc, 1)
	assert.Equal(t, `"alpha", "mid", "zeta"`, cols)
	assert.Equal(t, "$1, $2, $3", placeholders)
	assert.Equal(t, []interface{}{2, 3, 1}, args)
}

func TestSetClauseNumbersFromStart(t *testing.T) {
	set, args := setClause(Document{"b": 2, "a": 1}, 4)
	assert.Equal(t, `"a" = $4, "b" = $5`, set)
	assert.Equal(t, []interface{}{1, 2}, args)
}
