package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/tools"
)

// HandoffMode controls which inter-agent tools a swarm equips.
type HandoffMode string

const (
	// HandoffNever equips send_message only.
	HandoffNever HandoffMode = "never"
	// HandoffOptional equips both send_message and handoff_conversation.
	HandoffOptional HandoffMode = "optional"
	// HandoffAlways equips handoff_conversation only.
	HandoffAlways HandoffMode = "always"
)

// Inter-agent tool names.
const (
	SendMessageToolName = "send_message"
	HandoffToolName     = "handoff_conversation"
)

// Relationship is one directed caller→recipient channel of a swarm.
type Relationship struct {
	Caller    *Agent
	Recipient *Agent
}

// Swarm composes agents over directed relationships. The first agent owns
// the user-facing thread; send_message runs a recipient as a
// subconversation and returns its reply, handoff_conversation makes the
// recipient the active agent while preserving the visible history.
type Swarm struct {
	name        string
	description string
	first       *Agent
	agents      map[string]*Agent
	recipients  map[string][]string
	handoff     HandoffMode
}

type SwarmOption func(*Swarm)

func WithSwarmDescription(description string) SwarmOption {
	return func(s *Swarm) { s.description = description }
}

func WithHandoffMode(mode HandoffMode) SwarmOption {
	return func(s *Swarm) { s.handoff = mode }
}

func NewSwarm(name string, first *Agent, relationships []Relationship, opts ...SwarmOption) (*Swarm, error) {
	if first == nil {
		return nil, fmt.Errorf("swarm %q needs a first agent", name)
	}
	s := &Swarm{
		name:       name,
		first:      first,
		agents:     map[string]*Agent{first.Name(): first},
		recipients: make(map[string][]string),
		handoff:    HandoffNever,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, rel := range relationships {
		if rel.Caller == nil || rel.Recipient == nil {
			return nil, fmt.Errorf("swarm %q: relationship with a nil agent", name)
		}
		if rel.Caller.Name() == rel.Recipient.Name() {
			return nil, fmt.Errorf("swarm %q: agent %q cannot relate to itself", name, rel.Caller.Name())
		}
		for _, a := range []*Agent{rel.Caller, rel.Recipient} {
			if existing, ok := s.agents[a.Name()]; ok && existing != a {
				return nil, fmt.Errorf("swarm %q: two distinct agents named %q", name, a.Name())
			}
			s.agents[a.Name()] = a
		}
		s.recipients[rel.Caller.Name()] = append(s.recipients[rel.Caller.Name()], rel.Recipient.Name())
	}
	return s, nil
}

func (s *Swarm) Name() string        { return s.name }
func (s *Swarm) Description() string { return s.description }

// convHolder breaks the cycle between an equipped agent's tools and the
// conversation the agent runs in: tools are built before the conversation
// exists.
type convHolder struct {
	conv *conversation.Conversation
}

type swarmState struct {
	active      string
	convs       map[string]*conversation.Conversation
	workerConvs map[string]*conversation.Conversation
	seed        []*messages.Message

	pendingHandoff string
}

func (s *Swarm) stateOf(conv *conversation.Conversation) *swarmState {
	if state, ok := conv.State.(*swarmState); ok {
		return state
	}
	state := &swarmState{
		active:      s.first.Name(),
		convs:       make(map[string]*conversation.Conversation),
		workerConvs: make(map[string]*conversation.Conversation),
		seed:        conv.Messages(),
	}
	conv.State = state
	return state
}

// Execute runs the active agent, following handoffs until an agent yields
// or finishes. It implements conversation.Component.
func (s *Swarm) Execute(ctx context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	state := s.stateOf(conv)

	for {
		sub, ok := state.convs[state.active]
		if !ok {
			equipped, holder := s.equip(state.active, state)
			sub = conv.NewSubconversation(equipped, conv.Inputs,
				conversation.WithMessages(append([]*messages.Message(nil), state.seed...)))
			holder.conv = sub
			state.convs[state.active] = sub
		}

		status, err := sub.Execute(ctx)
		if err != nil {
			return nil, fmt.Errorf("swarm agent %q: %w", state.active, err)
		}

		if state.pendingHandoff != "" {
			target := state.pendingHandoff
			state.pendingHandoff = ""
			// The next agent continues the visible thread where this one
			// left it.
			state.seed = sub.Messages()
			delete(state.convs, state.active)
			state.active = target
			continue
		}

		if finished, ok := status.(*conversation.FinishedStatus); ok {
			return conv.NewFinishedStatus(finished.OutputValues, finished.BranchName), nil
		}
		return status, nil
	}
}

// equip clones an agent with its swarm tools according to the handoff mode.
func (s *Swarm) equip(name string, state *swarmState) (*Agent, *convHolder) {
	base := s.agents[name]
	holder := &convHolder{}
	recipients := s.recipients[name]
	if len(recipients) == 0 {
		return base, holder
	}

	targets := make(map[string]*Agent, len(recipients))
	for _, r := range recipients {
		targets[r] = s.agents[r]
	}

	var extra []tools.Tool
	if s.handoff != HandoffAlways {
		extra = append(extra, sendMessageTool(name, targets, holder, state.workerConvs,
			func(target string, st *swarmState) (*Agent, *convHolder) { return s.equip(target, st) }, state))
	}
	if s.handoff != HandoffNever {
		extra = append(extra, handoffTool(name, targets, state))
	}
	return base.withExtraTools(extra...), holder
}

// handoffError aborts the calling agent's turn so the swarm can switch the
// active agent.
type handoffError struct {
	recipient string
}

func (e *handoffError) Error() string {
	return fmt.Sprintf("conversation handed off to %q", e.recipient)
}

func handoffTool(owner string, targets map[string]*Agent, state *swarmState) tools.Tool {
	tool, err := tools.NewServerTool(HandoffToolName,
		"Hand the whole conversation over to another agent. The recipient "+
			"sees the full history and takes over talking to the user.",
		[]*property.Property{recipientProperty(targets)},
		func(_ context.Context, args map[string]any) (any, error) {
			recipient, _ := args["recipient"].(string)
			if _, ok := targets[recipient]; !ok {
				return nil, fmt.Errorf("agent %q cannot hand off to %q", owner, recipient)
			}
			state.pendingHandoff = recipient
			return nil, &handoffError{recipient: recipient}
		},
	)
	if err != nil {
		panic(err)
	}
	return tool
}

// sendMessageTool runs a recipient agent in a subconversation and returns
// its reply as the tool result. The recipient conversation persists across
// calls, so follow-up messages continue it.
func sendMessageTool(
	owner string,
	targets map[string]*Agent,
	holder *convHolder,
	workerConvs map[string]*conversation.Conversation,
	equip func(target string, state *swarmState) (*Agent, *convHolder),
	state *swarmState,
) tools.Tool {
	tool, err := tools.NewServerTool(SendMessageToolName,
		"Send a message to another agent and get their reply.",
		[]*property.Property{
			recipientProperty(targets),
			property.String("message", "the message to send"),
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			recipient, _ := args["recipient"].(string)
			message, _ := args["message"].(string)
			if _, ok := targets[recipient]; !ok {
				return nil, fmt.Errorf("agent %q cannot message %q", owner, recipient)
			}

			key := owner + "/" + recipient
			wc, ok := workerConvs[key]
			if !ok {
				component := conversation.Component(targets[recipient])
				var workerHolder *convHolder
				if equip != nil {
					var equipped *Agent
					equipped, workerHolder = equip(recipient, state)
					component = equipped
				}
				wc = holder.conv.NewSubconversation(component, nil,
					conversation.WithMessages([]*messages.Message{messages.UserMessage(message)}))
				if workerHolder != nil {
					workerHolder.conv = wc
				}
				workerConvs[key] = wc
			} else {
				request, ok := wc.Status().(*conversation.UserMessageRequestStatus)
				if !ok {
					return nil, fmt.Errorf("agent %q is not awaiting a message", recipient)
				}
				request.SubmitUserMessage(wc, message)
			}

			status, err := wc.Execute(ctx)
			if err != nil {
				return nil, err
			}
			switch status.(type) {
			case *conversation.FinishedStatus, *conversation.UserMessageRequestStatus:
				return lastAssistantText(wc), nil
			default:
				return nil, fmt.Errorf("agent %q suspended on an interaction send_message cannot serve", recipient)
			}
		},
	)
	if err != nil {
		panic(err)
	}
	return tool
}

func recipientProperty(targets map[string]*Agent) *property.Property {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	p := property.String("recipient", "the agent to contact")
	p.Enum = names
	return p
}

var _ conversation.Component = (*Swarm)(nil)
