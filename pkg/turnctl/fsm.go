package turnctl

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StatePending
	StateStreaming
	StateCommitting
	StateCancelled
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePending:
		return "PENDING"
	case StateStreaming:
		return "STREAMING"
	case StateCommitting:
		return "COMMITTING"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// stateMachine implements the finite state machine for one session's turns.
type stateMachine struct {
	currentState State
	mu           sync.RWMutex

	stateChangeListeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (sm *stateMachine) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:       {StatePending},
		StatePending:    {StateStreaming, StateCancelled},
		StateStreaming:  {StateCommitting, StateCancelled},
		StateCommitting: {StateIdle},
		StateCancelled:  {StateIdle},
	}

	allowedStates, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, allowed := range allowedStates {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()

	if !sm.transitionValid(sm.currentState, state) {
		defer sm.mu.Unlock()
		return &InvalidTransitionError{
			From: sm.currentState,
			To:   state,
		}
	}

	oldState := sm.currentState
	sm.currentState = state

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	// Notify outside the lock to avoid deadlocks with re-entrant listeners.
	listeners := make([]StateListener, len(sm.stateChangeListeners))
	copy(listeners, sm.stateChangeListeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateChangeListeners = append(sm.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
