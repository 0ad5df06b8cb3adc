package ledger

import "github.com/iliyamo/option-booking/internal/model"

// Transition is a single allowed edge of the answer state machine.
type Transition struct {
	From model.AnswerState
	To   model.AnswerState
	// Privileged edges may only be taken by privileged actors.
	Privileged bool
	// Promotion edges are only taken by the ledger itself.
	Promotion bool
	Event     model.AnswerEventType
}

var transitionsTable = []Transition{
	// Reserve, including re-answering after a cancellation or purge.
	{From: model.StateNone, To: model.StateReserved, Event: model.EventReserved},
	{From: model.StateCancelled, To: model.StateReserved, Event: model.EventReserved},
	{From: model.StateDeleted, To: model.StateReserved, Event: model.EventReserved},

	// Placement
	{From: model.StateReserved, To: model.StateBooked, Event: model.EventBooked},
	{From: model.StateReserved, To: model.StateWaitlisted, Event: model.EventWaitlisted},

	// Cancellation
	{From: model.StateReserved, To: model.StateCancelled, Event: model.EventCancelled},
	{From: model.StateBooked, To: model.StateCancelled, Event: model.EventCancelled},
	{From: model.StateWaitlisted, To: model.StateCancelled, Event: model.EventCancelled},

	// Promotion
	{From: model.StateWaitlisted, To: model.StateBooked, Promotion: true, Event: model.EventPromoted},

	// Purge
	{From: model.StateCancelled, To: model.StateDeleted, Privileged: true, Event: model.EventDeleted},
}

// TransitionFor returns the edge from -> to if the state machine has one.
func TransitionFor(from, to model.AnswerState) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.To == to {
			return tr, true
		}
	}
	return Transition{}, false
}
