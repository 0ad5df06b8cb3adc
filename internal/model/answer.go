package model

import "time"

// AnswerState is the booking state of one user's answer on one option.
type AnswerState string

const (
	StateNone       AnswerState = ""
	StateReserved   AnswerState = "RESERVED"
	StateBooked     AnswerState = "BOOKED"
	StateWaitlisted AnswerState = "WAITLISTED"
	StateCancelled  AnswerState = "CANCELLED"
	StateDeleted    AnswerState = "DELETED"
)

// Valid reports whether s is one of the persisted states.
func (s AnswerState) Valid() bool {
	switch s {
	case StateReserved, StateBooked, StateWaitlisted, StateCancelled, StateDeleted:
		return true
	}
	return false
}

// Standing reports whether the answer occupies a seat or a waitlist slot.
func (s AnswerState) Standing() bool { return s == StateBooked || s == StateWaitlisted }

// Answer mirrors the answers table.  There is at most one row per
// (option_id, user_id); a cancelled row is reused when the user books again.
type Answer struct {
	ID           uint64      `json:"id"`
	OptionID     uint64      `json:"option_id"`
	UserID       uint64      `json:"user_id"`
	State        AnswerState `json:"state"`
	WaitlistRank *int64      `json:"waitlist_rank,omitempty"`
	Overbooked   bool        `json:"overbooked"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	ModifiedAt   time.Time   `json:"modified_at"`
	ModifiedBy   uint64      `json:"modified_by"`
}

// Actor identifies who requested a transition.  SystemActor is used by
// revalidation and promotion.
type Actor struct {
	UserID     uint64
	Privileged bool
}

// SystemActor performs internal transitions such as retraction.
var SystemActor = Actor{UserID: 0, Privileged: true}

// CanActFor reports whether the actor may change answers owned by userID.
func (a Actor) CanActFor(userID uint64) bool {
	return a.Privileged || (a.UserID != 0 && a.UserID == userID)
}
