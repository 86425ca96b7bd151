package fsm

import (
	"fmt"
	"testing"
	"time"
)

func TestStateMachine_Deadlock(t *testing.T) {
	sm := New(State("initial"))

	sm.AddTransition(State("initial"), State("intermediate"), Event("first"), func(event Event, args ...interface{}) error {
		return sm.Fire(Event("second"))
	})

	sm.AddTransition(State("intermediate"), State("final"), Event("second"), nil)

	done := make(chan bool)
	go func() {
		err := sm.Fire(Event("first"))
		if err != nil {
			t.Errorf("Fire failed: %v", err)
		}
		done <- true
	}()

	select {
	case <-done:
		if sm.Current() != State("final") {
			t.Errorf("Expected state final, got %s", sm.Current())
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Deadlock detected: Fire did not return within 1 second")
	}
}

func TestStateMachine_Basic(t *testing.T) {
	sm := New(State("off"))
	sm.AddTransition(State("off"), State("on"), Event("push"), nil)

	if sm.Current() != State("off") {
		t.Errorf("Expected off, got %s", sm.Current())
	}

	err := sm.Fire(Event("push"))
	if err != nil {
		t.Fatal(err)
	}

	if sm.Current() != State("on") {
		t.Errorf("Expected on, got %s", sm.Current())
	}
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	sm := New(State("start"))
	err := sm.Fire(Event("unknown"))
	if err == nil {
		t.Fatal("Expected error for unknown event")
	}
}

func TestStateMachine_HandlerError(t *testing.T) {
	sm := New(State("A"))
	sm.AddTransition(State("A"), State("B"), Event("go"), func(event Event, args ...interface{}) error {
		return fmt.Errorf("handler failed")
	})

	err := sm.Fire(Event("go"))
	if err == nil || err.Error() != "handler failed" {
		t.Fatalf("Expected handler failed error, got %v", err)
	}

	if sm.Current() != State("B") {
		t.Errorf("Expected state B even if handler failed, got %s", sm.Current())
	}
}

func TestStateMachine_StateConsistencyInHandler(t *testing.T) {
	sm := New(State("A"))
	var stateInHandler State
	sm.AddTransition(State("A"), State("B"), Event("go"), func(event Event, args ...interface{}) error {
		stateInHandler = sm.Current()
		return nil
	})

	sm.Fire(Event("go"))
	if stateInHandler != State("B") {
		t.Errorf("Expected handler to see state B, saw %s", stateInHandler)
	}
}

func TestStateMachine_AnySource(t *testing.T) {
	sm := New(State("running"))
	sm.AddTransition(Any, State("crashed"), Event("crash"), nil)
	sm.AddTransition(State("idle"), State("idle"), Event("crash"), nil)

	if err := sm.Fire(Event("crash")); err != nil {
		t.Fatal(err)
	}
	if sm.Current() != State("crashed") {
		t.Errorf("Expected crashed, got %s", sm.Current())
	}

	// Explicit transitions win over the wildcard.
	sm = New(State("idle"))
	sm.AddTransition(Any, State("crashed"), Event("crash"), nil)
	sm.AddTransition(State("idle"), State("idle"), Event("crash"), nil)
	if err := sm.Fire(Event("crash")); err != nil {
		t.Fatal(err)
	}
	if sm.Current() != State("idle") {
		t.Errorf("Expected idle, got %s", sm.Current())
	}
}

func TestStateMachine_FireIf(t *testing.T) {
	sm := New(State("A"))
	sm.AddTransition(Any, State("B"), Event("go"), nil)

	prev, err := sm.FireIf([]State{State("C")}, Event("go"))
	if err == nil {
		t.Fatal("Expected guard to reject transition from A")
	}
	if prev != State("A") || sm.Current() != State("A") {
		t.Errorf("State must not change on rejected guard, got %s", sm.Current())
	}

	prev, err = sm.FireIf([]State{State("A")}, Event("go"))
	if err != nil {
		t.Fatal(err)
	}
	if prev != State("A") || sm.Current() != State("B") {
		t.Errorf("Expected A->B, got %s->%s", prev, sm.Current())
	}
}

func TestStateMachine_ObserverAndCan(t *testing.T) {
	sm := New(State("off"))
	sm.AddTransition(State("off"), State("on"), Event("push"), nil)

	var seen []string
	sm.Observe(func(from, to State, event Event) {
		seen = append(seen, fmt.Sprintf("%s-%s->%s", from, event, to))
	})

	if !sm.Can(Event("push")) {
		t.Error("Expected push to be accepted from off")
	}
	if sm.Can(Event("pull")) {
		t.Error("Expected pull to be rejected")
	}

	_ = sm.Fire(Event("push"))
	if len(seen) != 1 || seen[0] != "off-push->on" {
		t.Errorf("Unexpected observer calls %v", seen)
	}
	if !sm.Is(State("off"), State("on")) {
		t.Error("Expected Is to match on")
	}
}
