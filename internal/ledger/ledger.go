// Package ledger owns every answer state transition.  All capacity
// sensitive work happens inside the store's per-option serialization point
// so that counts read and rows written are consistent with concurrent
// requests on the same option, whichever process they come from.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

// EventSink receives domain events after the transition that produced them
// committed.  Delivery failures are logged and never undo the transition.
type EventSink interface {
	Publish(ctx context.Context, ev model.AnswerEvent) error
}

// Store is the part of the answer repository the ledger writes through.
type Store interface {
	WithOptionLock(ctx context.Context, optionID uint64, fn func(tx repository.AnswerTx) error) error
}

// Request asks for a single transition of one user's answer.
type Request struct {
	OptionID uint64
	UserID   uint64
	State    model.AnswerState
	Actor    model.Actor
	// Overbook lets a privileged actor book past capacity.
	Overbook bool
	Reason   string
}

// Ledger applies answer transitions.
type Ledger struct {
	store          Store
	sink           EventSink
	waitlistFactor int
	logger         *log.Logger
	now            func() time.Time
}

// New returns a ledger writing through store and publishing to sink.
// waitlistFactor multiplies the capacity to size the waitlist.
func New(store Store, sink EventSink, waitlistFactor int) *Ledger {
	return &Ledger{
		store:          store,
		sink:           sink,
		waitlistFactor: waitlistFactor,
		logger:         log.New("ledger"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// unit is the work done inside one lock acquisition.
type unit struct {
	l      *Ledger
	tx     repository.AnswerTx
	opt    model.Option
	events []model.AnswerEvent
}

func (l *Ledger) run(ctx context.Context, optionID uint64, fn func(u *unit) error) error {
	var events []model.AnswerEvent
	err := l.store.WithOptionLock(ctx, optionID, func(tx repository.AnswerTx) error {
		u := &unit{l: l, tx: tx, opt: tx.Option()}
		if err := fn(u); err != nil {
			return err
		}
		events = u.events
		return nil
	})
	if err != nil {
		return err
	}
	l.publish(ctx, events)
	return nil
}

func (l *Ledger) publish(ctx context.Context, events []model.AnswerEvent) {
	if l.sink == nil {
		return
	}
	for _, ev := range events {
		if err := l.sink.Publish(ctx, ev); err != nil {
			l.logger.Errorf("publish %s for option %d user %d: %v", ev.Type, ev.OptionID, ev.UserID, err)
		}
	}
}

// Apply performs one transition.  Requesting the state the answer is
// already in returns the answer unchanged.  Leaving a booked seat promotes
// waitlisted answers in the same transaction.
func (l *Ledger) Apply(ctx context.Context, req Request) (model.Answer, error) {
	var out model.Answer
	err := l.run(ctx, req.OptionID, func(u *unit) error {
		if !req.Actor.CanActFor(req.UserID) {
			return ErrForbidden
		}
		cur, err := u.current(ctx, req.UserID)
		if err != nil {
			return err
		}
		if cur.State == req.State {
			out = *cur
			return nil
		}
		if cur.ID == 0 && req.State != model.StateReserved {
			return ErrNotFound
		}
		tr, ok := TransitionFor(cur.State, req.State)
		if !ok || tr.Promotion {
			return invalid(cur.State, req.State, "")
		}
		if tr.Privileged && !req.Actor.Privileged {
			return ErrForbidden
		}
		if err := u.apply(ctx, cur, tr, req.Actor, req.Overbook, req.Reason); err != nil {
			return err
		}
		out = *cur
		return nil
	})
	return out, err
}

// Book reserves and places the user's answer in one step.  The answer
// ends up booked when a seat is free and waitlisted when only a waitlist
// slot is; otherwise nothing changes and ErrFull is returned.  A standing
// answer is returned unchanged.
func (l *Ledger) Book(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	return l.book(ctx, optionID, userID, actor, false)
}

// Overbook is Book for privileged actors that may exceed capacity.
func (l *Ledger) Overbook(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	if !actor.Privileged {
		return model.Answer{}, ErrForbidden
	}
	return l.book(ctx, optionID, userID, actor, true)
}

func (l *Ledger) book(ctx context.Context, optionID, userID uint64, actor model.Actor, overbook bool) (model.Answer, error) {
	var out model.Answer
	err := l.run(ctx, optionID, func(u *unit) error {
		if !actor.CanActFor(userID) {
			return ErrForbidden
		}
		cur, err := u.current(ctx, userID)
		if err != nil {
			return err
		}
		if cur.State == model.StateBooked || (cur.State == model.StateWaitlisted && !overbook) {
			out = *cur
			return nil
		}
		if cur.State == model.StateWaitlisted {
			return invalid(cur.State, model.StateBooked, "waitlisted answers are booked by promotion")
		}
		if cur.State != model.StateReserved {
			tr, _ := TransitionFor(cur.State, model.StateReserved)
			// The intermediate reservation is not announced.
			if err := u.write(ctx, cur, tr, actor, false, ""); err != nil {
				return err
			}
		}
		if err := u.place(ctx, cur, actor, overbook); err != nil {
			return err
		}
		out = *cur
		return nil
	})
	return out, err
}

// Reserve records the user's interest without taking a seat.  It is used
// for options that ask for confirmation.
func (l *Ledger) Reserve(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	var out model.Answer
	err := l.run(ctx, optionID, func(u *unit) error {
		if !actor.CanActFor(userID) {
			return ErrForbidden
		}
		cur, err := u.current(ctx, userID)
		if err != nil {
			return err
		}
		if cur.State == model.StateReserved || cur.State.Standing() {
			out = *cur
			return nil
		}
		tr, _ := TransitionFor(cur.State, model.StateReserved)
		if err := u.apply(ctx, cur, tr, actor, false, ""); err != nil {
			return err
		}
		out = *cur
		return nil
	})
	return out, err
}

// Confirm places a reserved answer, booked or waitlisted, on behalf of a
// privileged actor.
func (l *Ledger) Confirm(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	if !actor.Privileged {
		return model.Answer{}, ErrForbidden
	}
	var out model.Answer
	err := l.run(ctx, optionID, func(u *unit) error {
		cur, err := u.current(ctx, userID)
		if err != nil {
			return err
		}
		if cur.State.Standing() {
			out = *cur
			return nil
		}
		if cur.State != model.StateReserved {
			return invalid(cur.State, model.StateBooked, "only reserved answers can be confirmed")
		}
		if err := u.place(ctx, cur, actor, false); err != nil {
			return err
		}
		out = *cur
		return nil
	})
	return out, err
}

// Cancel cancels the user's answer and promotes from the waitlist if a
// seat was freed.
func (l *Ledger) Cancel(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	return l.Apply(ctx, Request{OptionID: optionID, UserID: userID, State: model.StateCancelled, Actor: actor})
}

// Purge marks a cancelled answer deleted.  Privileged actors only.
func (l *Ledger) Purge(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error) {
	return l.Apply(ctx, Request{OptionID: optionID, UserID: userID, State: model.StateDeleted, Actor: actor})
}

// Retract is the system cancellation used by revalidation.  Retracting an
// answer that is not reserved, booked or waitlisted is a no-op: it reports
// changed=false and emits nothing, so running it twice is safe.
func (l *Ledger) Retract(ctx context.Context, optionID, userID uint64, reason string) (answer model.Answer, changed bool, err error) {
	err = l.run(ctx, optionID, func(u *unit) error {
		cur, err := u.tx.GetAnswer(ctx, userID)
		if err != nil {
			return err
		}
		if cur == nil {
			return nil
		}
		answer = *cur
		if cur.State != model.StateReserved && !cur.State.Standing() {
			return nil
		}
		tr, _ := TransitionFor(cur.State, model.StateCancelled)
		tr.Event = model.EventRetracted
		if err := u.apply(ctx, cur, tr, model.SystemActor, false, reason); err != nil {
			return err
		}
		answer, changed = *cur, true
		return nil
	})
	return answer, changed, err
}

// Rebalance promotes waitlisted answers into free seats, e.g. after the
// capacity of the option was raised.  It returns how many were promoted.
func (l *Ledger) Rebalance(ctx context.Context, optionID uint64) (int, error) {
	var n int
	err := l.run(ctx, optionID, func(u *unit) error {
		var err error
		n, err = u.promote(ctx)
		return err
	})
	return n, err
}

// current returns the user's answer or a fresh unsaved one in StateNone.
func (u *unit) current(ctx context.Context, userID uint64) (*model.Answer, error) {
	cur, err := u.tx.GetAnswer(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		cur = &model.Answer{OptionID: u.opt.ID, UserID: userID, State: model.StateNone}
	}
	return cur, nil
}

// apply checks capacity for placement edges, writes the edge and runs
// promotion when a booked seat was released.
func (u *unit) apply(ctx context.Context, a *model.Answer, tr Transition, actor model.Actor, overbook bool, reason string) error {
	switch tr.To {
	case model.StateBooked:
		free, err := u.seatFree(ctx)
		if err != nil {
			return err
		}
		over := false
		if !free {
			if !overbook || !actor.Privileged {
				return ErrFull
			}
			over = true
		}
		a.Overbooked = over
	case model.StateWaitlisted:
		free, err := u.seatFree(ctx)
		if err != nil {
			return err
		}
		if free {
			return invalid(tr.From, tr.To, "a seat is available")
		}
		slot, err := u.waitlistSlot(ctx)
		if err != nil {
			return err
		}
		if !slot {
			return ErrFull
		}
	}
	released := a.State == model.StateBooked && tr.To != model.StateBooked
	if err := u.write(ctx, a, tr, actor, true, reason); err != nil {
		return err
	}
	if released {
		if _, err := u.promote(ctx); err != nil {
			return err
		}
	}
	return nil
}

// place moves a reserved answer to booked, or to waitlisted when the
// option is full and has a waitlist slot.
func (u *unit) place(ctx context.Context, a *model.Answer, actor model.Actor, overbook bool) error {
	free, err := u.seatFree(ctx)
	if err != nil {
		return err
	}
	if free || overbook {
		tr, _ := TransitionFor(model.StateReserved, model.StateBooked)
		return u.apply(ctx, a, tr, actor, overbook, "")
	}
	tr, _ := TransitionFor(model.StateReserved, model.StateWaitlisted)
	return u.apply(ctx, a, tr, actor, false, "")
}

// write persists the edge and buffers its event.
func (u *unit) write(ctx context.Context, a *model.Answer, tr Transition, actor model.Actor, announce bool, reason string) error {
	from := a.State
	if tr.To == model.StateWaitlisted {
		top, err := u.tx.MaxWaitlistRank(ctx)
		if err != nil {
			return err
		}
		rank := top + 1
		a.WaitlistRank = &rank
	} else {
		a.WaitlistRank = nil
	}
	if tr.To != model.StateBooked {
		a.Overbooked = false
	}
	a.State = tr.To
	a.ModifiedAt = u.l.now()
	a.ModifiedBy = actor.UserID
	if err := u.tx.SaveAnswer(ctx, a); err != nil {
		return err
	}
	if announce {
		u.events = append(u.events, model.AnswerEvent{
			ID:           uuid.NewString(),
			Type:         tr.Event,
			OptionID:     a.OptionID,
			UserID:       a.UserID,
			From:         from,
			To:           a.State,
			WaitlistRank: a.WaitlistRank,
			ActorID:      actor.UserID,
			Reason:       reason,
			OccurredAt:   a.ModifiedAt,
		})
	}
	return nil
}

func (u *unit) seatFree(ctx context.Context) (bool, error) {
	if u.opt.Unlimited() {
		return true, nil
	}
	booked, err := u.tx.CountBooked(ctx)
	if err != nil {
		return false, err
	}
	return booked < u.opt.MaxAnswers, nil
}

func (u *unit) waitlistSlot(ctx context.Context) (bool, error) {
	if !u.opt.WaitlistEnabled {
		return false, nil
	}
	limit := u.opt.WaitlistLimit(u.l.waitlistFactor)
	if limit <= 0 {
		return true, nil
	}
	n, err := u.tx.CountWaitlisted(ctx)
	if err != nil {
		return false, err
	}
	return n < limit, nil
}

// promote books the lowest-ranked waitlisted answers while seats are free.
func (u *unit) promote(ctx context.Context) (int, error) {
	promoted := 0
	tr, _ := TransitionFor(model.StateWaitlisted, model.StateBooked)
	for {
		free, err := u.seatFree(ctx)
		if err != nil {
			return promoted, err
		}
		if !free {
			return promoted, nil
		}
		next, err := u.tx.FirstWaitlisted(ctx)
		if err != nil {
			return promoted, err
		}
		if next == nil {
			return promoted, nil
		}
		if err := u.write(ctx, next, tr, model.SystemActor, true, "seat released"); err != nil {
			return promoted, err
		}
		u.l.logger.Infof("promoted user %d on option %d from the waitlist", next.UserID, next.OptionID)
		promoted++
	}
}
