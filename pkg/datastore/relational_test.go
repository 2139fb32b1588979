package datastore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTurnsTable(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE turns (
        Agent_ID TEXT,
        conversation_id TEXT,
        turn_id TEXT,
        is_last_turn INTEGER,
        created_at INTEGER,
        conversation_turn_state TEXT,
        extra_metadata TEXT
    )`)
	require.NoError(t, err)
}

func conversationSchema() Schema {
	return Schema{
		"turns": {
			Name: "turns",
			Properties: map[string]*property.Property{
				ColumnAgentID:           property.String(ColumnAgentID, ""),
				ColumnConversationID:    property.String(ColumnConversationID, ""),
				ColumnTurnID:            property.String(ColumnTurnID, ""),
				ColumnIsLastTurn:        property.Integer(ColumnIsLastTurn, "").WithDefault(int64(0)),
				ColumnCreatedAt:         property.Integer(ColumnCreatedAt, ""),
				ColumnConversationState: property.String(ColumnConversationState, ""),
				ColumnExtraMetadata:     property.String(ColumnExtraMetadata, ""),
			},
		},
	}
}

func TestRelationalBindsCaseInsensitively(t *testing.T) {
	db := openSQLite(t)
	createTurnsTable(t, db)

	store, err := NewRelationalDatastore(context.Background(), db, "sqlite3", conversationSchema())
	require.NoError(t, err)

	// The table declares Agent_ID; the binding keeps the database casing.
	binding := store.tables["turns"]
	assert.Equal(t, "Agent_ID", binding.columns[ColumnAgentID])
}

func TestRelationalRejectsMissingAndMistyped(t *testing.T) {
	db := openSQLite(t)
	_, err := db.Exec(`CREATE TABLE turns (conversation_id TEXT)`)
	require.NoError(t, err)

	_, err = NewRelationalDatastore(context.Background(), db, "sqlite", conversationSchema())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no column matches")

	db2 := openSQLite(t)
	_, err = db2.Exec(`CREATE TABLE items (amount TEXT)`)
	require.NoError(t, err)

	schema := Schema{"items": {Name: "items", Properties: map[string]*property.Property{
		"amount": property.Integer("amount", ""),
	}}}
	_, err = NewRelationalDatastore(context.Background(), db2, "sqlite", schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not usable as")
}

func TestRelationalUnsupportedDialect(t *testing.T) {
	db := openSQLite(t)
	_, err := NewRelationalDatastore(context.Background(), db, "oracle", Schema{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestRelationalCRUD(t *testing.T) {
	db := openSQLite(t)
	createTurnsTable(t, db)
	ctx := context.Background()

	store, err := NewRelationalDatastore(ctx, db, "sqlite", conversationSchema())
	require.NoError(t, err)

	created, err := store.Create(ctx, "turns", []map[string]any{{
		ColumnAgentID:           "agent-1",
		ColumnConversationID:    "c1",
		ColumnTurnID:            "t1",
		ColumnCreatedAt:         1700000000,
		ColumnConversationState: `{"messages":[]}`,
	}})
	require.NoError(t, err)
	// Defaults are filled before insert.
	assert.Equal(t, int64(0), created[0][ColumnIsLastTurn])

	rows, err := store.List(ctx, "turns", map[string]any{ColumnConversationID: "c1"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "agent-1", rows[0][ColumnAgentID])
	assert.Equal(t, int64(1700000000), rows[0][ColumnCreatedAt])

	touched, err := store.Update(ctx, "turns",
		map[string]any{ColumnTurnID: "t1"},
		map[string]any{ColumnConversationState: `{"messages":["hi"]}`})
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)

	removed, err := store.Delete(ctx, "turns", map[string]any{ColumnTurnID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	rows, err = store.List(ctx, "turns", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRelationalLastTurnFlip(t *testing.T) {
	db := openSQLite(t)
	createTurnsTable(t, db)
	ctx := context.Background()

	store, err := NewRelationalDatastore(ctx, db, "sqlite", conversationSchema())
	require.NoError(t, err)

	_, err = store.Create(ctx, "turns", []map[string]any{
		{ColumnConversationID: "c1", ColumnTurnID: "t1", ColumnIsLastTurn: 1, ColumnCreatedAt: 1},
		{ColumnConversationID: "c1", ColumnTurnID: "t2", ColumnCreatedAt: 2},
		{ColumnConversationID: "c2", ColumnTurnID: "t3", ColumnIsLastTurn: 1, ColumnCreatedAt: 3},
	})
	require.NoError(t, err)

	_, err = store.Update(ctx, "turns",
		map[string]any{ColumnConversationID: "c1", ColumnTurnID: "t2"},
		map[string]any{ColumnIsLastTurn: 1})
	require.NoError(t, err)

	last, err := store.List(ctx, "turns", map[string]any{ColumnConversationID: "c1", ColumnIsLastTurn: 1}, 0)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "t2", last[0][ColumnTurnID])

	other, err := store.List(ctx, "turns", map[string]any{ColumnConversationID: "c2", ColumnIsLastTurn: 1}, 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestRelationalVectorFallbackSearch(t *testing.T) {
	db := openSQLite(t)
	_, err := db.Exec(`CREATE TABLE chunks (label TEXT, embedding VECTOR)`)
	require.NoError(t, err)
	ctx := context.Background()

	schema := Schema{"chunks": {Name: "chunks", Properties: map[string]*property.Property{
		"label":     property.String("label", ""),
		"embedding": property.Vector("embedding", ""),
	}}}
	store, err := NewRelationalDatastore(ctx, db, "sqlite", schema)
	require.NoError(t, err)

	_, err = store.Create(ctx, "chunks", []map[string]any{
		{"label": "up", "embedding": []float64{0, 1}},
		{"label": "right", "embedding": []float64{1, 0}},
	})
	require.NoError(t, err)

	results, err := store.SearchVectors(ctx, "chunks", "embedding", []float32{0, 1}, 1, MetricCosine, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "up", results[0].Values["label"])
	assert.Equal(t, []float32{0, 1}, results[0].Values["embedding"])
}

func TestColumnTypeAllowed(t *testing.T) {
	tests := []struct {
		kind   property.Kind
		dbType string
		want   bool
	}{
		{property.KindString, "VARCHAR(255)", true},
		{property.KindString, "text", true},
		{property.KindInteger, "BIGINT", true},
		{property.KindInteger, "text", false},
		{property.KindFloat, "double precision", true},
		{property.KindBoolean, "tinyint(1)", true},
		{property.KindVector, "vector", true},
		{property.KindVector, "blob", false},
		{property.KindList, "text", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, columnTypeAllowed(tt.kind, tt.dbType), "%s vs %s", tt.kind, tt.dbType)
	}
}

func TestConvertToPostgresPlaceholders(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2",
		convertToPostgresPlaceholders("SELECT a FROM t WHERE x = ? AND y = ?"))
}
