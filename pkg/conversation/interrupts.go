package conversation

import (
	"fmt"
	"time"
)

// ExecutionInterrupt is a pre-step hook. When one fires, the executor stops
// the turn with an InterruptedExecutionStatus instead of running the step.
type ExecutionInterrupt interface {
	ShouldInterrupt(conv *Conversation) (reason string, fired bool)
}

// StepLimitInterrupt fires after a fixed number of step invocations.
type StepLimitInterrupt struct {
	MaxSteps int
	seen     int
}

func (i *StepLimitInterrupt) ShouldInterrupt(*Conversation) (string, bool) {
	i.seen++
	if i.seen > i.MaxSteps {
		return fmt.Sprintf("step limit of %d reached", i.MaxSteps), true
	}
	return "", false
}

// DeadlineInterrupt fires once the wall clock passes a deadline.
type DeadlineInterrupt struct {
	Deadline time.Time
}

func (i *DeadlineInterrupt) ShouldInterrupt(*Conversation) (string, bool) {
	if time.Now().After(i.Deadline) {
		return "execution deadline exceeded", true
	}
	return "", false
}

// FuncInterrupt adapts a predicate.
type FuncInterrupt func(conv *Conversation) (string, bool)

func (f FuncInterrupt) ShouldInterrupt(conv *Conversation) (string, bool) { return f(conv) }
