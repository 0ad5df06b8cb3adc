package ledger

import (
	"errors"
	"fmt"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

var (
	// ErrFull means neither a seat nor a waitlist slot is left.
	ErrFull = errors.New("option is full")
	// ErrInvalidTransition means the state machine has no such edge.  It
	// signals a logic defect in the caller.
	ErrInvalidTransition = errors.New("invalid answer transition")
	// ErrForbidden means the actor may not change this answer.
	ErrForbidden = repository.ErrForbidden
	// ErrNotFound means the option or the answer does not exist.
	ErrNotFound = repository.ErrNotFound
)

func invalid(from, to model.AnswerState, why string) error {
	if from == model.StateNone {
		from = "NONE"
	}
	if why != "" {
		return fmt.Errorf("%w: %s -> %s: %s", ErrInvalidTransition, from, to, why)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
