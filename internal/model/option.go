package model

import "time"

// Option is a bookable unit with a finite or unlimited capacity.  Options
// are never hard-deleted while answers reference them; Invisible hides them
// from customers instead.
//
// Fields:
//
//	MaxAnswers    : capacity; 0 means unlimited.
//	MaxOverbooking: additional waitlist slots on top of WaitlistFactor*MaxAnswers.
//	Conditions    : eligibility conditions configured for this option.
//	Version       : bumped on every ledger transition and configuration edit.
type Option struct {
	ID                   uint64            `json:"id"`
	ContextID            uint64            `json:"context_id"`
	Name                 string            `json:"name"`
	MaxAnswers           int               `json:"max_answers"`
	MaxOverbooking       int               `json:"max_overbooking"`
	WaitlistEnabled      bool              `json:"waitlist_enabled"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	Invisible            bool              `json:"invisible"`
	Revalidate           bool              `json:"revalidate"`
	BookingOpensAt       *time.Time        `json:"booking_opens_at,omitempty"`
	BookingClosesAt      *time.Time        `json:"booking_closes_at,omitempty"`
	Conditions           []ConditionConfig `json:"conditions"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Unlimited reports whether the option has no capacity limit.
func (o Option) Unlimited() bool { return o.MaxAnswers <= 0 }

// WaitlistLimit returns how many waitlisted answers the option accepts.
// A result of 0 or less means the waitlist is unbounded.
func (o Option) WaitlistLimit(factor int) int {
	if factor < 0 {
		factor = 0
	}
	return factor*o.MaxAnswers + o.MaxOverbooking
}

// BookingOpen reports whether now falls inside the option's booking window.
// A nil bound is treated as open on that side.
func (o Option) BookingOpen(now time.Time) bool {
	if o.BookingOpensAt != nil && now.Before(*o.BookingOpensAt) {
		return false
	}
	if o.BookingClosesAt != nil && !now.Before(*o.BookingClosesAt) {
		return false
	}
	return true
}

// ConditionConfig enables one condition kind on an option.  Priority
// overrides the kind's default priority so that administrators can decide
// e.g. whether manual confirmation is asked before or after capacity.
type ConditionConfig struct {
	Kind     string `json:"kind"`
	Priority *int   `json:"priority,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}
