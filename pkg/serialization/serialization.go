// Package serialization persists conversations across process restarts.
//
// Components are never serialized structurally: a record references its
// component by name, and deserialization resolves the name against a
// registry of live components. References between conversations in one
// tree are ids into that tree, so cyclic object graphs flatten into an
// acyclic record tree with id placeholders.
package serialization

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wayflowcore/wayflow-go/pkg/agent"
	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/flow"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/registry"
)

// Serializer converts conversations to and from their stored form. The
// registered components are the ones records may reference by name.
type Serializer struct {
	components registry.Registry[conversation.Component]
}

func New(components ...conversation.Component) (*Serializer, error) {
	s := &Serializer{components: registry.NewBaseRegistry[conversation.Component]()}
	for _, c := range components {
		if err := s.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register makes a component resolvable by name during deserialization.
func (s *Serializer) Register(c conversation.Component) error {
	return s.components.Register(c.Name(), c)
}

const (
	statusUserMessageRequest        = "user_message_request"
	statusToolRequest               = "tool_request"
	statusToolExecutionConfirmation = "tool_execution_confirmation"
	statusInterrupted               = "interrupted"
	statusFinished                  = "finished"

	stateKindFlow  = "flow"
	stateKindAgent = "agent"
)

type conversationRecord struct {
	ID               string                `json:"id"`
	Component        string                `json:"component"`
	Inputs           map[string]any        `json:"inputs,omitempty"`
	Messages         []*messages.Message   `json:"messages,omitempty"`
	TokenUsage       messages.TokenUsage   `json:"token_usage"`
	Status           *statusRecord         `json:"status,omitempty"`
	State            *stateRecord          `json:"state,omitempty"`
	Subconversations []*conversationRecord `json:"subconversations,omitempty"`

	// Ref marks a placeholder for a conversation already emitted elsewhere
	// in the tree. A record with Ref set carries nothing else.
	Ref string `json:"ref,omitempty"`
}

type statusRecord struct {
	Kind         string                 `json:"kind"`
	ToolRequests []messages.ToolRequest `json:"tool_requests,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	OutputValues map[string]any         `json:"output_values,omitempty"`
	BranchName   string                 `json:"branch_name,omitempty"`
}

type stateRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type flowStateRecord struct {
	CurrentStep     string                            `json:"current_step"`
	IOValues        map[string]any                    `json:"io_values"`
	Variables       map[string]any                    `json:"variables,omitempty"`
	YieldedStep     string                            `json:"yielded_step,omitempty"`
	PendingRequests map[string][]messages.ToolRequest `json:"pending_requests,omitempty"`

	// Subconversations maps step names to conversation ids within the
	// record tree.
	Subconversations map[string]string `json:"subconversations,omitempty"`
}

// MarshalConversation serializes a conversation tree. Conversations parked
// on an auth challenge are refused: the pending OAuth flow holds live
// channels and secrets that must not reach storage.
func (s *Serializer) MarshalConversation(conv *conversation.Conversation) ([]byte, error) {
	visited := map[string]bool{}
	record, err := s.encode(conv, visited)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record)
}

func (s *Serializer) encode(conv *conversation.Conversation, visited map[string]bool) (*conversationRecord, error) {
	if visited[conv.ID] {
		return &conversationRecord{Ref: conv.ID}, nil
	}
	visited[conv.ID] = true

	record := &conversationRecord{
		ID:         conv.ID,
		Component:  conv.Component.Name(),
		Inputs:     conv.Inputs,
		Messages:   conv.Messages(),
		TokenUsage: conv.TokenUsage(),
	}

	status, err := encodeStatus(conv.Status())
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, err)
	}
	record.Status = status

	for _, sub := range conv.Subconversations() {
		encoded, err := s.encode(sub, visited)
		if err != nil {
			return nil, err
		}
		record.Subconversations = append(record.Subconversations, encoded)
	}

	record.State, err = encodeState(conv.State)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, err)
	}
	return record, nil
}

func encodeStatus(status conversation.ExecutionStatus) (*statusRecord, error) {
	switch st := status.(type) {
	case nil:
		return nil, nil
	case *conversation.UserMessageRequestStatus:
		return &statusRecord{Kind: statusUserMessageRequest}, nil
	case *conversation.ToolRequestStatus:
		return &statusRecord{Kind: statusToolRequest, ToolRequests: st.ToolRequests}, nil
	case *conversation.ToolExecutionConfirmationStatus:
		return &statusRecord{Kind: statusToolExecutionConfirmation, ToolRequests: st.ToolRequests}, nil
	case *conversation.InterruptedExecutionStatus:
		return &statusRecord{Kind: statusInterrupted, Reason: st.Reason}, nil
	case *conversation.FinishedStatus:
		return &statusRecord{Kind: statusFinished, OutputValues: st.OutputValues, BranchName: st.BranchName}, nil
	case *conversation.AuthChallengeStatus:
		return nil, fmt.Errorf("refusing to serialize a pending auth challenge")
	default:
		return nil, fmt.Errorf("unknown execution status %T", status)
	}
}

func encodeState(state any) (*stateRecord, error) {
	switch st := state.(type) {
	case nil:
		return nil, nil
	case *flow.State:
		fs := flowStateRecord{
			CurrentStep:     st.CurrentStep,
			IOValues:        st.IOValues,
			Variables:       st.Variables,
			YieldedStep:     st.YieldedStep,
			PendingRequests: st.PendingRequests,
		}
		if len(st.Subconversations) > 0 {
			fs.Subconversations = make(map[string]string, len(st.Subconversations))
			for step, sub := range st.Subconversations {
				fs.Subconversations[step] = sub.ID
			}
		}
		data, err := json.Marshal(fs)
		if err != nil {
			return nil, err
		}
		return &stateRecord{Kind: stateKindFlow, Data: data}, nil
	case *agent.LoopState:
		data, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		return &stateRecord{Kind: stateKindAgent, Data: data}, nil
	default:
		// Swarm and manager-workers states hold live equipped agents; they
		// rebuild from the restored history on the next Execute.
		return nil, nil
	}
}

// UnmarshalConversation rebuilds a conversation tree. Components are
// resolved by name; a subconversation whose component is unknown is dropped
// with a warning and recreated lazily by its owning step.
func (s *Serializer) UnmarshalConversation(data []byte) (*conversation.Conversation, error) {
	var record conversationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding conversation record: %w", err)
	}
	byID := map[string]*conversation.Conversation{}
	conv, err := s.decode(&record, nil, byID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation record %s resolves to no component", record.ID)
	}
	// Second pass: flow states reference subconversations by id.
	if err := resolveStateRefs(&record, byID); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Serializer) decode(record *conversationRecord, parent *conversation.Conversation, byID map[string]*conversation.Conversation) (*conversation.Conversation, error) {
	if record.Ref != "" {
		return byID[record.Ref], nil
	}

	component, ok := s.components.Get(record.Component)
	if !ok {
		slog.Warn("dropping stored conversation with unknown component",
			"conversation", record.ID, "component", record.Component)
		return nil, nil
	}

	opts := []conversation.Option{
		conversation.WithID(record.ID),
		conversation.WithMessages(record.Messages),
	}
	var conv *conversation.Conversation
	if parent == nil {
		conv = conversation.New(component, record.Inputs, opts...)
	} else {
		conv = parent.NewSubconversation(component, record.Inputs, opts...)
	}
	conv.AddTokenUsage(record.TokenUsage)
	byID[record.ID] = conv

	for _, sub := range record.Subconversations {
		if _, err := s.decode(sub, conv, byID); err != nil {
			return nil, err
		}
	}

	state, err := decodeState(record.State)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", record.ID, err)
	}
	conv.State = state

	status, err := decodeStatus(conv, record.Status)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", record.ID, err)
	}
	if status != nil {
		conv.RestoreStatus(status)
	}
	return conv, nil
}

func decodeStatus(conv *conversation.Conversation, record *statusRecord) (conversation.ExecutionStatus, error) {
	if record == nil {
		return nil, nil
	}
	switch record.Kind {
	case statusUserMessageRequest:
		return conv.NewUserMessageRequestStatus(), nil
	case statusToolRequest:
		return conv.NewToolRequestStatus(record.ToolRequests), nil
	case statusToolExecutionConfirmation:
		return conv.NewToolExecutionConfirmationStatus(record.ToolRequests), nil
	case statusInterrupted:
		return conv.NewInterruptedStatus(record.Reason), nil
	case statusFinished:
		return conv.NewFinishedStatus(record.OutputValues, record.BranchName), nil
	default:
		return nil, fmt.Errorf("unknown status kind %q", record.Kind)
	}
}

func decodeState(record *stateRecord) (any, error) {
	if record == nil {
		return nil, nil
	}
	switch record.Kind {
	case stateKindFlow:
		var fs flowStateRecord
		if err := json.Unmarshal(record.Data, &fs); err != nil {
			return nil, fmt.Errorf("decoding flow state: %w", err)
		}
		state := &flow.State{
			CurrentStep:      fs.CurrentStep,
			IOValues:         fs.IOValues,
			Variables:        fs.Variables,
			YieldedStep:      fs.YieldedStep,
			PendingRequests:  fs.PendingRequests,
			Subconversations: make(map[string]*conversation.Conversation),
		}
		if state.IOValues == nil {
			state.IOValues = make(map[string]any)
		}
		if state.Variables == nil {
			state.Variables = make(map[string]any)
		}
		if state.PendingRequests == nil {
			state.PendingRequests = make(map[string][]messages.ToolRequest)
		}
		return state, nil
	case stateKindAgent:
		var ls agent.LoopState
		if err := json.Unmarshal(record.Data, &ls); err != nil {
			return nil, fmt.Errorf("decoding agent state: %w", err)
		}
		return &ls, nil
	default:
		return nil, fmt.Errorf("unknown state kind %q", record.Kind)
	}
}

// resolveStateRefs rebinds flow-state subconversation ids to the rebuilt
// conversations. Ids that resolved to nothing (dropped components) are
// skipped; the owning step recreates its subconversation on demand.
func resolveStateRefs(record *conversationRecord, byID map[string]*conversation.Conversation) error {
	if record.Ref != "" {
		return nil
	}
	conv := byID[record.ID]
	if conv != nil && record.State != nil && record.State.Kind == stateKindFlow {
		var fs flowStateRecord
		if err := json.Unmarshal(record.State.Data, &fs); err != nil {
			return err
		}
		state, ok := conv.State.(*flow.State)
		if ok {
			for step, id := range fs.Subconversations {
				if sub := byID[id]; sub != nil {
					state.Subconversations[step] = sub
				}
			}
		}
	}
	for _, sub := range record.Subconversations {
		if err := resolveStateRefs(sub, byID); err != nil {
			return err
		}
	}
	return nil
}
