package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wayflowcore/wayflow-go/pkg/mcp"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// ExecutionStatus is the reason a conversation stopped executing this turn.
// Every status is stamped with the id of the conversation that produced it;
// submit methods are no-ops against any other conversation.
type ExecutionStatus interface {
	// ConversationID returns the id of the conversation this status binds to.
	ConversationID() string

	executionStatus()
}

// statusBase carries the conversation binding shared by all variants.
type statusBase struct {
	conversationID string
}

func (s statusBase) ConversationID() string { return s.conversationID }
func (statusBase) executionStatus()         {}

// resolve guards submit methods: a status only acts on the conversation that
// produced it. The status may be handed the root of a conversation tree; the
// bound conversation is looked up among its subconversations.
func (s statusBase) resolve(conv *Conversation) *Conversation {
	if conv != nil {
		if target := conv.Find(s.conversationID); target != nil {
			return target
		}
	}
	slog.Warn("execution status submitted to a different conversation; ignoring",
		"status_conversation", s.conversationID)
	return nil
}

// UserMessageRequestStatus awaits one user message.
type UserMessageRequestStatus struct {
	statusBase
}

// SubmitUserMessage stores the user's reply for the next Execute call.
func (s *UserMessageRequestStatus) SubmitUserMessage(conv *Conversation, text string) {
	target := s.resolve(conv)
	if target == nil {
		return
	}
	target.AppendMessage(messages.UserMessage(text))
	target.pendingUserMessage = true
}

// ToolRequestStatus awaits one ToolResult per pending request. It is
// produced for client tools, whose execution happens on the caller's side.
type ToolRequestStatus struct {
	statusBase
	ToolRequests []messages.ToolRequest
}

// SubmitToolResults stores the caller-side results for the next Execute call.
func (s *ToolRequestStatus) SubmitToolResults(conv *Conversation, results ...messages.ToolResult) error {
	target := s.resolve(conv)
	if target == nil {
		return nil
	}
	pending := make(map[string]bool, len(s.ToolRequests))
	for _, req := range s.ToolRequests {
		pending[req.ToolRequestID] = true
	}
	for _, result := range results {
		if !pending[result.ToolRequestID] {
			return fmt.Errorf("no pending tool request with id %q", result.ToolRequestID)
		}
		target.AppendMessage(messages.ToolResultMessage(result))
	}
	return nil
}

// ToolExecutionConfirmationStatus awaits a human approve/reject decision for
// each pending request.
type ToolExecutionConfirmationStatus struct {
	statusBase
	ToolRequests []messages.ToolRequest
}

// ConfirmToolExecution records the decision for one pending request.
func (s *ToolExecutionConfirmationStatus) ConfirmToolExecution(conv *Conversation, toolRequestID string, approved bool, rejectionReason string) error {
	target := s.resolve(conv)
	if target == nil {
		return nil
	}
	for i := range s.ToolRequests {
		if s.ToolRequests[i].ToolRequestID != toolRequestID {
			continue
		}
		decision := approved
		s.ToolRequests[i].Confirmed = &decision
		s.ToolRequests[i].RejectionReason = rejectionReason
		target.pendingConfirmations = append(target.pendingConfirmations, s.ToolRequests[i])
		return nil
	}
	return fmt.Errorf("no pending tool request with id %q", toolRequestID)
}

// InterruptedExecutionStatus reports that an execution interrupt fired.
type InterruptedExecutionStatus struct {
	statusBase
	Reason string
}

// FinishedStatus is terminal.
type FinishedStatus struct {
	statusBase
	OutputValues map[string]any
	BranchName   string
}

// AuthChallengeStatus asks the caller to redirect the user to an OAuth
// authorization URL and submit the callback code and state.
type AuthChallengeStatus struct {
	statusBase
	AuthorizationURL string

	pending *mcp.PendingAuthorization
}

// SubmitAuthResult completes the pending OAuth flow with the callback
// parameters and lets the next Execute call retry the original request.
func (s *AuthChallengeStatus) SubmitAuthResult(ctx context.Context, conv *Conversation, code, state string) error {
	target := s.resolve(conv)
	if target == nil || s.pending == nil {
		return nil
	}
	if err := s.pending.Complete(ctx, code, state); err != nil {
		return err
	}
	target.pendingAuthResolved = true
	return nil
}

// CancelAuth abandons the pending OAuth flow. The flow's completion is
// signalled exactly once; the next Execute call surfaces
// OAuthCancelledError.
func (s *AuthChallengeStatus) CancelAuth(conv *Conversation) {
	target := s.resolve(conv)
	if target == nil {
		return
	}
	if s.pending != nil {
		s.pending.Cancel()
	}
	target.pendingAuthCancelled = true
}

// OAuthCancelledError surfaces a user-cancelled auth challenge out of
// Execute.
type OAuthCancelledError struct {
	ServerURL string
}

func (e *OAuthCancelledError) Error() string {
	return fmt.Sprintf("oauth authorization for %s was cancelled by the user", e.ServerURL)
}
