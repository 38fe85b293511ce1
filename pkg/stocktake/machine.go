package stocktake

import (
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// Event is an operation that may change the stock-take step
// 棚卸ステップに対する操作
type Event string

const (
	EventAddAssignment          Event = "add_assignment"
	EventRemoveAssignment       Event = "remove_assignment"
	EventStartCounting          Event = "start_counting"
	EventSaveResults            Event = "save_results"
	EventMarkAssignmentComplete Event = "mark_assignment_complete"
	EventReconcile              Event = "reconcile"
	EventComplete               Event = "complete"
)

type transitionKey struct {
	from  Step
	event Event
}

// transitions is the complete table of permitted (step, event) pairs.
// COMPLETED is terminal and has no entries.
var transitions = map[transitionKey]Step{
	{StepDraft, EventAddAssignment}:             StepDraft,
	{StepDraft, EventRemoveAssignment}:          StepDraft,
	{StepDraft, EventStartCounting}:             StepCounting,
	{StepCounting, EventSaveResults}:            StepCounting,
	{StepCounting, EventMarkAssignmentComplete}: StepCounting,
	{StepCounting, EventReconcile}:              StepReconciling,
	{StepReconciling, EventComplete}:            StepCompleted,
}

// Transition returns the step reached by applying event in step from, or a
// TransitionError when the table has no such entry.
// 遷移表に従って次のステップを返す
func Transition(from Step, event Event) (Step, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, inventory.NewTransitionError(string(event), from.String(), nil)
	}
	return to, nil
}

// Allowed lists the events permitted in the given step
// 指定ステップで許可される操作の一覧
func Allowed(from Step) []Event {
	order := []Event{
		EventAddAssignment,
		EventRemoveAssignment,
		EventStartCounting,
		EventSaveResults,
		EventMarkAssignmentComplete,
		EventReconcile,
		EventComplete,
	}
	events := make([]Event, 0, len(order))
	for _, e := range order {
		if _, ok := transitions[transitionKey{from, e}]; ok {
			events = append(events, e)
		}
	}
	return events
}
