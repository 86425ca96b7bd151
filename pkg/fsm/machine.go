package fsm

import (
	"fmt"
	"sync"
)

type State string
type Event string

// Any matches every source state in AddTransition. Explicit transitions
// registered for the current state take precedence.
const Any State = "*"

// Handler is executed after a transition has been committed
type Handler func(event Event, args ...interface{}) error

// Observer is told about every committed transition.
type Observer func(from, to State, event Event)

type StateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
	observers   []Observer
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Is reports whether the current state is one of states.
func (sm *StateMachine) Is(states ...State) bool {
	cur := sm.Current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// Observe registers fn to be called after every committed transition.
func (sm *StateMachine) Observe(fn Observer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observers = append(sm.observers, fn)
}

func (sm *StateMachine) lookup(from State, event Event) (State, Handler, bool) {
	if next, ok := sm.transitions[from][event]; ok {
		return next, sm.callbacks[from][event], true
	}
	if next, ok := sm.transitions[Any][event]; ok {
		return next, sm.callbacks[Any][event], true
	}
	return "", nil, false
}

// Can reports whether event is accepted in the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, _, ok := sm.lookup(sm.current, event)
	return ok
}

// Fire triggers a state transition. It is thread-safe.
// The new state is committed before the callback runs and the lock is not
// held while it runs, so callbacks may Fire follow-up events.
func (sm *StateMachine) Fire(event Event, args ...interface{}) error {
	_, err := sm.fire(nil, event, args...)
	return err
}

// FireIf is Fire restricted to the given source states. The check and the
// commit happen under one lock acquisition.
func (sm *StateMachine) FireIf(from []State, event Event, args ...interface{}) (State, error) {
	return sm.fire(from, event, args...)
}

func (sm *StateMachine) fire(allowed []State, event Event, args ...interface{}) (State, error) {
	sm.mu.Lock()
	prev := sm.current
	if allowed != nil && !contains(allowed, prev) {
		sm.mu.Unlock()
		return prev, fmt.Errorf("invalid transition from %s via %s", prev, event)
	}
	next, handler, ok := sm.lookup(prev, event)
	if !ok {
		sm.mu.Unlock()
		return prev, fmt.Errorf("invalid transition from %s via %s", prev, event)
	}
	sm.current = next
	observers := sm.observers
	sm.mu.Unlock()

	for _, fn := range observers {
		fn(prev, next, event)
	}

	if handler != nil {
		if err := handler(event, args...); err != nil {
			return prev, err
		}
	}
	return prev, nil
}

func contains(states []State, s State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

// Personal.AI order the ending
