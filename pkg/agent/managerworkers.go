package agent

import (
	"context"
	"fmt"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// ManagerWorkers composes one manager agent with a set of workers. The
// manager owns the user-facing thread and delegates through send_message;
// each worker runs as a subconversation that persists across delegations.
type ManagerWorkers struct {
	name        string
	description string
	manager     *Agent
	workers     map[string]*Agent
}

func NewManagerWorkers(name string, manager *Agent, workers ...*Agent) (*ManagerWorkers, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager-workers %q needs a manager", name)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("manager-workers %q needs at least one worker", name)
	}
	byName := make(map[string]*Agent, len(workers))
	for _, worker := range workers {
		if worker.Name() == manager.Name() {
			return nil, fmt.Errorf("manager-workers %q: worker shares the manager's name %q", name, worker.Name())
		}
		if _, dup := byName[worker.Name()]; dup {
			return nil, fmt.Errorf("manager-workers %q: two workers named %q", name, worker.Name())
		}
		byName[worker.Name()] = worker
	}
	return &ManagerWorkers{name: name, manager: manager, workers: byName}, nil
}

func (m *ManagerWorkers) Name() string        { return m.name }
func (m *ManagerWorkers) Description() string { return m.description }

type managerWorkersState struct {
	managerConv *conversation.Conversation
	workerConvs map[string]*conversation.Conversation
}

func (m *ManagerWorkers) stateOf(conv *conversation.Conversation) *managerWorkersState {
	if state, ok := conv.State.(*managerWorkersState); ok {
		return state
	}
	state := &managerWorkersState{workerConvs: make(map[string]*conversation.Conversation)}
	conv.State = state
	return state
}

// Execute runs the manager; workers only ever run inside its send_message
// calls. It implements conversation.Component.
func (m *ManagerWorkers) Execute(ctx context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	state := m.stateOf(conv)

	if state.managerConv == nil {
		holder := &convHolder{}
		equipped := m.manager.withExtraTools(
			sendMessageTool(m.manager.Name(), m.workers, holder, state.workerConvs, nil, nil),
		)
		state.managerConv = conv.NewSubconversation(equipped, conv.Inputs,
			conversation.WithMessages(append([]*messages.Message(nil), conv.Messages()...)))
		holder.conv = state.managerConv
	}

	status, err := state.managerConv.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("manager %q: %w", m.manager.Name(), err)
	}
	if finished, ok := status.(*conversation.FinishedStatus); ok {
		return conv.NewFinishedStatus(finished.OutputValues, finished.BranchName), nil
	}
	return status, nil
}

var _ conversation.Component = (*ManagerWorkers)(nil)
