// Package datastore provides collection-oriented persistence behind a small
// CRUD + query interface. Two implementations are included: an in-memory
// store for tests and single-process deployments, and a relational store
// that binds to existing SQL tables by reflection. Both enforce the same
// schema model built from property descriptors.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// Entity describes one collection: its name and the typed columns rows of
// that collection carry.
type Entity struct {
	Name        string
	Description string
	Properties  map[string]*property.Property
}

// Schema maps collection names to their entity descriptions.
type Schema map[string]Entity

// Well-known columns of the conversation persistence collection. The
// relational and in-memory stores give updates touching these columns
// last-turn semantics: setting is_last_turn for one turn clears it for every
// other turn of the same conversation in the same transaction.
const (
	ColumnAgentID           = "agent_id"
	ColumnConversationID    = "conversation_id"
	ColumnTurnID            = "turn_id"
	ColumnIsLastTurn        = "is_last_turn"
	ColumnCreatedAt         = "created_at"
	ColumnConversationState = "conversation_turn_state"
	ColumnExtraMetadata     = "extra_metadata"
)

// Error wraps datastore failures (constraint violations, type mismatches,
// connection errors) with the operation and collection they occurred in.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("datastore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("datastore %s on %q: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, collection string, err error) *Error {
	return &Error{Op: op, Collection: collection, Err: err}
}

// Datastore is the storage interface the serving layer persists
// conversations through. Where clauses are conjunctions of column equality
// tests. A limit of zero means unbounded.
type Datastore interface {
	// List returns rows matching where, up to limit.
	List(ctx context.Context, collection string, where map[string]any, limit int) ([]map[string]any, error)

	// Create inserts the given rows and returns them with defaults filled.
	Create(ctx context.Context, collection string, rows []map[string]any) ([]map[string]any, error)

	// Update applies the update map to every row matching where and returns
	// the number of rows touched.
	Update(ctx context.Context, collection string, where, update map[string]any) (int64, error)

	// Delete removes rows matching where and returns the number removed.
	Delete(ctx context.Context, collection string, where map[string]any) (int64, error)

	// Describe returns the schema the store was opened with.
	Describe() Schema

	Close() error
}

// VectorSearcher is implemented by stores that support nearest-neighbour
// lookup over a vector column. Filters are applied before ranking.
type VectorSearcher interface {
	SearchVectors(ctx context.Context, collection, column string, query []float32, k int, metric Metric, where map[string]any) ([]SearchResult, error)
}

// SearchResult is one ranked row. Score is a similarity for cosine (higher
// is closer) and a distance for L2 (lower is closer); results always arrive
// best-first.
type SearchResult struct {
	Values map[string]any
	Score  float64
}

// validateRow checks a row against the entity schema: unknown columns are
// rejected, values are cast into the declared property kinds, and absent
// columns with defaults are filled in. The returned map is a fresh copy.
func validateRow(entity Entity, row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(entity.Properties))
	for name := range row {
		if _, ok := entity.Properties[name]; !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
	}
	for name, prop := range entity.Properties {
		value, present := row[name]
		if !present {
			if prop.HasDefault() {
				out[name] = prop.DefaultValue
			}
			continue
		}
		cast, err := prop.CastValueInto(value)
		if err != nil {
			return nil, err
		}
		out[name] = cast
	}
	return out, nil
}

// validatePartial checks a where or update map: every key must be a known
// column and every value must cast into the column's kind.
func validatePartial(entity Entity, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, value := range values {
		prop, ok := entity.Properties[name]
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		if value == nil {
			out[name] = nil
			continue
		}
		cast, err := prop.CastValueInto(value)
		if err != nil {
			return nil, err
		}
		out[name] = cast
	}
	return out, nil
}

// sortedKeys keeps generated SQL and iteration order deterministic.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchesWhere reports whether a row satisfies a conjunction of equality
// tests. Values are compared through their JSON representation so int64 and
// float64 renderings of the same number agree.
func matchesWhere(row, where map[string]any) bool {
	for column, want := range where {
		got, ok := row[column]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// isLastTurnUpdate reports whether an update sets the last-turn marker for a
// conversation-scoped where clause, which triggers the atomic flip.
func isLastTurnUpdate(where, update map[string]any) bool {
	marker, ok := update[ColumnIsLastTurn]
	if !ok {
		return false
	}
	if _, scoped := where[ColumnConversationID]; !scoped {
		return false
	}
	switch v := marker.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

// ConnectionConfig carries the credentials a relational store connects
// with. It is sensitive: serializing it emits a warning and writes a
// redacted placeholder, and deserialization is refused outright.
type ConnectionConfig struct {
	Driver string
	DSN    string

	MaxOpenConns int
	MaxIdleConns int
}

func (c ConnectionConfig) MarshalJSON() ([]byte, error) {
	slog.Warn("refusing to serialize datastore connection credentials; emitting redacted placeholder",
		"driver", c.Driver)
	return json.Marshal(map[string]string{"driver": c.Driver, "dsn": "<redacted>"})
}

func (c *ConnectionConfig) UnmarshalJSON([]byte) error {
	return fmt.Errorf("datastore connection configs cannot be deserialized; construct them from the environment")
}
