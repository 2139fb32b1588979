// Package serving holds the infrastructure the protocol servers share: the
// conversation turn store and the HTTP middleware stack.
package serving

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/datastore"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/serialization"
)

// DefaultCollection is the collection conversation turns persist into.
const DefaultCollection = "conversations"

// TurnEntity describes the conversation turn table. A turn is one executor
// pass: the A2A layer keys turns by task id, the Responses layer by
// response id.
func TurnEntity(name string) datastore.Entity {
	return datastore.Entity{
		Name:        name,
		Description: "one persisted conversation turn",
		Properties: map[string]*property.Property{
			datastore.ColumnAgentID:           property.String(datastore.ColumnAgentID, "which agent served this turn"),
			datastore.ColumnConversationID:    property.String(datastore.ColumnConversationID, "stable context identifier"),
			datastore.ColumnTurnID:            property.String(datastore.ColumnTurnID, "per-turn identifier"),
			datastore.ColumnIsLastTurn:        property.Integer(datastore.ColumnIsLastTurn, "1 on the latest turn of a context").WithDefault(0),
			datastore.ColumnCreatedAt:         property.Integer(datastore.ColumnCreatedAt, "unix seconds"),
			datastore.ColumnConversationState: property.String(datastore.ColumnConversationState, "serialized conversation"),
			datastore.ColumnExtraMetadata:     property.String(datastore.ColumnExtraMetadata, "protocol-layer JSON blob").WithDefault(""),
		},
	}
}

// TurnSchema is the schema a datastore needs to back a ConversationStore.
func TurnSchema(collection string) datastore.Schema {
	return datastore.Schema{collection: TurnEntity(collection)}
}

// ConversationStore persists conversation turns through a datastore. It is
// safe for concurrent use as long as the underlying store is.
type ConversationStore struct {
	store      datastore.Datastore
	serializer *serialization.Serializer
	collection string
}

func NewConversationStore(store datastore.Datastore, serializer *serialization.Serializer, collection string) *ConversationStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &ConversationStore{store: store, serializer: serializer, collection: collection}
}

// SaveTurn upserts the turn's serialized conversation and marks it the last
// turn of its context. The marker flip is atomic: after SaveTurn exactly one
// turn of the context carries is_last_turn=1.
func (s *ConversationStore) SaveTurn(ctx context.Context, agentID, contextID, turnID string, conv *conversation.Conversation, extra map[string]any) error {
	state, err := s.serializer.MarshalConversation(conv)
	if err != nil {
		return fmt.Errorf("serializing conversation %s: %w", conv.ID, err)
	}
	extraJSON := ""
	if extra != nil {
		encoded, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("encoding turn metadata: %w", err)
		}
		extraJSON = string(encoded)
	}

	existing, err := s.store.List(ctx, s.collection, map[string]any{datastore.ColumnTurnID: turnID}, 1)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		_, err = s.store.Create(ctx, s.collection, []map[string]any{{
			datastore.ColumnAgentID:           agentID,
			datastore.ColumnConversationID:    contextID,
			datastore.ColumnTurnID:            turnID,
			datastore.ColumnIsLastTurn:        0,
			datastore.ColumnCreatedAt:         time.Now().Unix(),
			datastore.ColumnConversationState: string(state),
			datastore.ColumnExtraMetadata:     extraJSON,
		}})
	} else {
		_, err = s.store.Update(ctx, s.collection,
			map[string]any{datastore.ColumnTurnID: turnID},
			map[string]any{
				datastore.ColumnConversationState: string(state),
				datastore.ColumnExtraMetadata:     extraJSON,
			})
	}
	if err != nil {
		return err
	}

	_, err = s.store.Update(ctx, s.collection,
		map[string]any{datastore.ColumnConversationID: contextID, datastore.ColumnTurnID: turnID},
		map[string]any{datastore.ColumnIsLastTurn: 1})
	return err
}

// LoadTurn rebuilds the conversation stored under a turn id. Missing turns
// return a nil conversation, not an error.
func (s *ConversationStore) LoadTurn(ctx context.Context, turnID string) (*conversation.Conversation, map[string]any, error) {
	rows, err := s.store.List(ctx, s.collection, map[string]any{datastore.ColumnTurnID: turnID}, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	return s.decodeRow(rows[0])
}

// LoadLastTurn rebuilds the latest completed turn of a context. It returns
// the turn id alongside so continuations can chain.
func (s *ConversationStore) LoadLastTurn(ctx context.Context, contextID string) (*conversation.Conversation, string, map[string]any, error) {
	rows, err := s.store.List(ctx, s.collection, map[string]any{
		datastore.ColumnConversationID: contextID,
		datastore.ColumnIsLastTurn:     1,
	}, 1)
	if err != nil {
		return nil, "", nil, err
	}
	if len(rows) == 0 {
		return nil, "", nil, nil
	}
	conv, extra, err := s.decodeRow(rows[0])
	if err != nil {
		return nil, "", nil, err
	}
	turnID, _ := rows[0][datastore.ColumnTurnID].(string)
	return conv, turnID, extra, nil
}

// DeleteTurn removes a stored turn. It reports whether a row existed.
func (s *ConversationStore) DeleteTurn(ctx context.Context, turnID string) (bool, error) {
	n, err := s.store.Delete(ctx, s.collection, map[string]any{datastore.ColumnTurnID: turnID})
	return n > 0, err
}

// UpdateTurnMetadata rewrites the protocol-layer blob of a stored turn.
func (s *ConversationStore) UpdateTurnMetadata(ctx context.Context, turnID string, extra map[string]any) error {
	encoded, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encoding turn metadata: %w", err)
	}
	_, err = s.store.Update(ctx, s.collection,
		map[string]any{datastore.ColumnTurnID: turnID},
		map[string]any{datastore.ColumnExtraMetadata: string(encoded)})
	return err
}

func (s *ConversationStore) decodeRow(row map[string]any) (*conversation.Conversation, map[string]any, error) {
	state, _ := row[datastore.ColumnConversationState].(string)
	conv, err := s.serializer.UnmarshalConversation([]byte(state))
	if err != nil {
		return nil, nil, fmt.Errorf("restoring conversation turn: %w", err)
	}
	var extra map[string]any
	if blob, _ := row[datastore.ColumnExtraMetadata].(string); blob != "" {
		if err := json.Unmarshal([]byte(blob), &extra); err != nil {
			return nil, nil, fmt.Errorf("decoding turn metadata: %w", err)
		}
	}
	return conv, extra, nil
}
