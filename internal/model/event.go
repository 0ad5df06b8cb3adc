package model

import "time"

// AnswerEventType names the domain events emitted by the ledger.
type AnswerEventType string

const (
	EventReserved   AnswerEventType = "answer_reserved"
	EventBooked     AnswerEventType = "answer_booked"
	EventWaitlisted AnswerEventType = "answer_waitlisted"
	EventPromoted   AnswerEventType = "answer_promoted"
	EventCancelled  AnswerEventType = "answer_cancelled"
	EventRetracted  AnswerEventType = "answer_retracted"
	EventDeleted    AnswerEventType = "answer_deleted"
)

// AnswerEvent is published after a ledger transition commits.  It carries
// enough information for downstream notifiers without querying the store.
type AnswerEvent struct {
	ID           string          `json:"id"`
	Type         AnswerEventType `json:"type"`
	OptionID     uint64          `json:"option_id"`
	UserID       uint64          `json:"user_id"`
	From         AnswerState     `json:"from"`
	To           AnswerState     `json:"to"`
	WaitlistRank *int64          `json:"waitlist_rank,omitempty"`
	ActorID      uint64          `json:"actor_id"`
	Reason       string          `json:"reason,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
