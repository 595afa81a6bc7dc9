package payment

import "fmt"

// State is a node of the payment lifecycle
type State string

const (
	StateCreated    State = "CREATED"
	StateReserved   State = "RESERVED"
	StateAuthorized State = "AUTHORIZED"
	StateCaptured   State = "CAPTURED"
	StateSettled    State = "SETTLED"
	StateFailed     State = "FAILED"
	StateReversed   State = "REVERSED"
)

// Event drives a transition
type Event string

const (
	EventReserveOK     Event = "reserve_ok"
	EventReserveFail   Event = "reserve_fail"
	EventAuthorizeOK   Event = "authorize_ok"
	EventAuthorizeFail Event = "authorize_fail"
	EventCaptureOK     Event = "capture_ok"
	EventCaptureFail   Event = "capture_fail"
	EventSettleOK      Event = "settle_ok"
	EventSettleFail    Event = "settle_fail"
	EventReverse       Event = "reverse"
)

// AllStates and AllEvents enumerate the machine for exhaustive checks
var (
	AllStates = []State{StateCreated, StateReserved, StateAuthorized, StateCaptured, StateSettled, StateFailed, StateReversed}
	AllEvents = []Event{
		EventReserveOK, EventReserveFail, EventAuthorizeOK, EventAuthorizeFail,
		EventCaptureOK, EventCaptureFail, EventSettleOK, EventSettleFail, EventReverse,
	}
)

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{StateCreated, EventReserveOK}:      StateReserved,
	{StateCreated, EventReserveFail}:    StateFailed,
	{StateReserved, EventAuthorizeOK}:   StateAuthorized,
	{StateReserved, EventAuthorizeFail}: StateFailed,
	{StateAuthorized, EventCaptureOK}:   StateCaptured,
	{StateAuthorized, EventCaptureFail}: StateFailed,
	{StateCaptured, EventSettleOK}:      StateSettled,
	{StateCaptured, EventSettleFail}:    StateFailed,
	{StateSettled, EventReverse}:        StateReversed,
}

// failureEvents maps each non-terminal state to the event that fails it
var failureEvents = map[State]Event{
	StateCreated:    EventReserveFail,
	StateReserved:   EventAuthorizeFail,
	StateAuthorized: EventCaptureFail,
	StateCaptured:   EventSettleFail,
}

// InvalidTransitionError is returned for any (state, event) pair outside the table
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q not allowed from state %s", e.Event, e.From)
}

// Is implements the errors.Is interface for InvalidTransitionError
func (e InvalidTransitionError) Is(target error) bool {
	t, ok := target.(InvalidTransitionError)
	if !ok {
		return false
	}
	if t.From == "" && t.Event == "" {
		return true
	}
	return t.From == e.From && t.Event == e.Event
}

// Transition returns the target state of event applied to from
func Transition(from State, event Event) (State, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return "", InvalidTransitionError{From: from, Event: event}
	}
	return to, nil
}

// IsTerminal reports whether no event is accepted from s, except the reversal of a settled payment.
func (s State) IsTerminal() bool {
	switch s {
	case StateSettled, StateFailed, StateReversed:
		return true
	}
	return false
}

// FailureEvent returns the event moving a non-terminal state to Failed
func FailureEvent(s State) (Event, bool) {
	e, ok := failureEvents[s]
	return e, ok
}
