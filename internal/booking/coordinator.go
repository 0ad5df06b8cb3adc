// Package booking coordinates user-facing booking requests: it evaluates
// the eligibility chain on an option snapshot and only then asks the
// ledger for the transition.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/option-booking/internal/condition"
	"github.com/iliyamo/option-booking/internal/ledger"
	"github.com/iliyamo/option-booking/internal/model"
)

// NoticeMovedToWaitlist tells a user that a seat they saw was taken
// before their booking committed.
const NoticeMovedToWaitlist = "seat no longer available, you have been placed on the waitlist"

// NotEligibleError is returned when the chain blocked the request.  It
// carries the blocking condition's code and message.
type NotEligibleError struct {
	Code    string
	Message string
	Verdict condition.Verdict
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible: %s: %s", e.Code, e.Message)
}

func notEligible(v condition.Verdict) *NotEligibleError {
	return &NotEligibleError{Code: v.Code, Message: v.Message, Verdict: v}
}

// FullError is returned when the option filled up between the verdict
// and the write and the fresh verdict still allows booking.  It unwraps
// to ledger.ErrFull.
type FullError struct {
	Verdict condition.Verdict
	Err     error
}

func (e *FullError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Verdict.Code)
}

func (e *FullError) Unwrap() error { return e.Err }

// Result is the outcome of a booking request.
type Result struct {
	Answer  model.Answer      `json:"answer"`
	Verdict condition.Verdict `json:"verdict"`
	Notice  string            `json:"notice,omitempty"`
}

// OptionReader loads option snapshots.
type OptionReader interface {
	GetByID(ctx context.Context, id uint64) (model.Option, error)
}

// Coordinator runs booking and cancellation requests.
type Coordinator struct {
	options        OptionReader
	facts          condition.Facts
	evaluator      *condition.Evaluator
	ledger         *ledger.Ledger
	waitlistFactor int
	logger         *log.Logger
	now            func() time.Time
}

func NewCoordinator(options OptionReader, facts condition.Facts, evaluator *condition.Evaluator,
	l *ledger.Ledger, waitlistFactor int) *Coordinator {
	return &Coordinator{
		options:        options,
		facts:          facts,
		evaluator:      evaluator,
		ledger:         l,
		waitlistFactor: waitlistFactor,
		logger:         log.New("booking"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) newContext(actor model.Actor) *condition.Context {
	rc := condition.NewContext(c.facts, actor, c.now())
	rc.WaitlistFactor = c.waitlistFactor
	return rc
}

// evaluate loads a fresh option snapshot and walks its chain.
func (c *Coordinator) evaluate(ctx context.Context, rc *condition.Context, optionID, userID uint64) (condition.Verdict, error) {
	opt, err := c.options.GetByID(ctx, optionID)
	if err != nil {
		return condition.Verdict{}, err
	}
	return c.evaluator.Evaluate(ctx, condition.Subject{Option: opt, UserID: userID, Ctx: rc}), nil
}

// Availability returns the verdict a booking request would get now.
func (c *Coordinator) Availability(ctx context.Context, optionID, userID uint64, actor model.Actor) (condition.Verdict, error) {
	return c.evaluate(ctx, c.newContext(actor), optionID, userID)
}

// RequestBooking evaluates the chain and, when allowed, books the user.
// The ledger decides between booked and waitlisted at write time.  When
// the ledger finds the option full after an allowed verdict the chain is
// evaluated once more and its fresh verdict is surfaced.
func (c *Coordinator) RequestBooking(ctx context.Context, optionID, userID uint64, actor model.Actor) (Result, error) {
	if !actor.CanActFor(userID) {
		return Result{}, ledger.ErrForbidden
	}
	rc := c.newContext(actor)
	v, err := c.evaluate(ctx, rc, optionID, userID)
	if err != nil {
		return Result{}, err
	}
	if !v.Allowed {
		return Result{Verdict: v}, notEligible(v)
	}

	var a model.Answer
	if v.Code == condition.CodeAskForConfirmation {
		a, err = c.ledger.Reserve(ctx, optionID, userID, actor)
	} else {
		a, err = c.ledger.Book(ctx, optionID, userID, actor)
	}
	if errors.Is(err, ledger.ErrFull) {
		rc.Forget()
		fresh, ferr := c.evaluate(ctx, rc, optionID, userID)
		if ferr != nil {
			return Result{}, ferr
		}
		if !fresh.Allowed {
			return Result{Verdict: fresh}, notEligible(fresh)
		}
		return Result{Verdict: fresh}, &FullError{Verdict: fresh, Err: err}
	}
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			c.logger.Errorf("booking option %d for user %d: %v", optionID, userID, err)
		}
		return Result{}, err
	}

	res := Result{Answer: a, Verdict: v}
	if v.Code == condition.CodeBookIt && a.State == model.StateWaitlisted {
		res.Notice = NoticeMovedToWaitlist
	}
	return res, nil
}

// RequestCancellation cancels the user's answer.  It is never gated by
// eligibility conditions.
func (c *Coordinator) RequestCancellation(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	a, err := c.ledger.Cancel(ctx, optionID, userID, actor)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		c.logger.Errorf("cancelling option %d for user %d: %v", optionID, userID, err)
	}
	return a, err
}

// ConfirmReservation places a reserved answer on behalf of an admin.
func (c *Coordinator) ConfirmReservation(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	return c.ledger.Confirm(ctx, optionID, userID, actor)
}

// Overbook books the user past capacity.  Only the hard blocks that
// concern the user themselves are honoured; capacity is not.
func (c *Coordinator) Overbook(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	if !actor.Privileged {
		return model.Answer{}, ledger.ErrForbidden
	}
	rc := c.newContext(actor)
	banned, err := rc.Banned(ctx, userID)
	if err != nil {
		return model.Answer{}, err
	}
	if banned {
		return model.Answer{}, &NotEligibleError{Code: condition.CodeBannedUser, Message: "user is banned"}
	}
	return c.ledger.Overbook(ctx, optionID, userID, actor)
}

// Purge deletes a cancelled answer.
func (c *Coordinator) Purge(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	return c.ledger.Purge(ctx, optionID, userID, actor)
}
