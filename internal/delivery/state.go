package delivery

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// State names of the delivery lifecycle.
const (
	StatePending        = "pending"
	StateInFlight       = "in_flight"
	StateDelivered      = "delivered"
	StateRetryScheduled = "retry_scheduled"
	StateAbandoned      = "abandoned"
)

// Lifecycle events.
const (
	EventClaim   = "claim"
	EventRespond = "respond"
	EventRetry   = "retry"
	EventAbandon = "abandon"
)

// MachineContext carries the task identity through the machine.
type MachineContext struct {
	DeliveryID string
}

// StateMachine tracks one processing pass of a task.
type StateMachine struct {
	interpreter *statekit.Interpreter[MachineContext]
}

// NewStateMachine returns a machine in the pending state.
func NewStateMachine(deliveryID string) (*StateMachine, error) {
	builder := statekit.NewMachine[MachineContext]("delivery-machine").
		WithInitial(statekit.StateID(StatePending)).
		WithContext(MachineContext{DeliveryID: deliveryID})

	builder.State(StatePending).
		On(EventClaim).Target(StateInFlight).
		Done()

	builder.State(StateInFlight).
		On(EventRespond).Target(StateDelivered).
		On(EventRetry).Target(StateRetryScheduled).
		On(EventAbandon).Target(StateAbandoned).
		Done()

	builder.State(StateDelivered).Done()
	builder.State(StateRetryScheduled).Done()
	builder.State(StateAbandoned).Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build delivery state machine: %w", err)
	}

	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()

	return &StateMachine{interpreter: interpreter}, nil
}

// Transition sends event and fails if the machine did not move.
func (sm *StateMachine) Transition(event string) error {
	before := sm.Current()
	sm.interpreter.Send(statekit.Event{Type: statekit.EventType(event)})
	if sm.Current() != before {
		return nil
	}
	return fmt.Errorf("event %q not allowed in state %q", event, before)
}

func (sm *StateMachine) Current() string {
	return string(sm.interpreter.State().Value)
}

// IsTerminal reports whether the pass has ended.
func (sm *StateMachine) IsTerminal() bool {
	switch sm.Current() {
	case StateDelivered, StateRetryScheduled, StateAbandoned:
		return true
	}
	return false
}
