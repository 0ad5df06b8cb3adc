package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/testutil"
)

type fixture struct {
	ledger  *Ledger
	answers *repository.AnswerRepo
	sink    *testutil.RecordingSink
	opt     model.Option
}

func newFixture(t *testing.T, opt model.Option) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	answers := repository.NewAnswerRepo(db, database.SQLite)
	sink := &testutil.RecordingSink{}
	return fixture{
		ledger:  New(answers, sink, 1),
		answers: answers,
		sink:    sink,
		opt:     testutil.CreateOption(t, db, opt),
	}
}

func user(id uint64) model.Actor { return model.Actor{UserID: id} }

var admin = model.Actor{UserID: 1000, Privileged: true}

func (f fixture) book(t *testing.T, userID uint64) model.Answer {
	t.Helper()
	a, err := f.ledger.Book(context.Background(), f.opt.ID, userID, user(userID))
	if err != nil {
		t.Fatalf("book user %d: %v", userID, err)
	}
	return a
}

func (f fixture) state(t *testing.T, userID uint64) model.AnswerState {
	t.Helper()
	a, err := f.answers.Get(context.Background(), f.opt.ID, userID)
	if err != nil {
		t.Fatalf("get answer of user %d: %v", userID, err)
	}
	return a.State
}

func TestScenarioCancelPromotesWaitlist(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 2, WaitlistEnabled: true})

	if a := f.book(t, 1); a.State != model.StateBooked {
		t.Fatalf("u1 state = %s, want BOOKED", a.State)
	}
	if a := f.book(t, 2); a.State != model.StateBooked {
		t.Fatalf("u2 state = %s, want BOOKED", a.State)
	}
	a3 := f.book(t, 3)
	if a3.State != model.StateWaitlisted {
		t.Fatalf("u3 state = %s, want WAITLISTED", a3.State)
	}
	if a3.WaitlistRank == nil || *a3.WaitlistRank != 1 {
		t.Fatalf("u3 rank = %v, want 1", a3.WaitlistRank)
	}

	if _, err := f.ledger.Cancel(context.Background(), f.opt.ID, 1, user(1)); err != nil {
		t.Fatalf("cancel u1: %v", err)
	}

	want := map[uint64]model.AnswerState{1: model.StateCancelled, 2: model.StateBooked, 3: model.StateBooked}
	for id, st := range want {
		if got := f.state(t, id); got != st {
			t.Fatalf("user %d state = %s, want %s", id, got, st)
		}
	}
	types := f.sink.Types()
	last := types[len(types)-2:]
	if last[0] != model.EventCancelled || last[1] != model.EventPromoted {
		t.Fatalf("last events = %v, want [cancelled promoted]", last)
	}
}

func TestWaitlistIsFIFO(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 1, WaitlistEnabled: true, MaxOverbooking: 5})
	f.book(t, 1)
	var prev int64
	for _, id := range []uint64{2, 3, 4} {
		a := f.book(t, id)
		if a.State != model.StateWaitlisted || a.WaitlistRank == nil {
			t.Fatalf("user %d = %s rank %v, want waitlisted with rank", id, a.State, a.WaitlistRank)
		}
		if *a.WaitlistRank <= prev {
			t.Fatalf("user %d rank = %d, want > %d", id, *a.WaitlistRank, prev)
		}
		prev = *a.WaitlistRank
	}
	for _, next := range []uint64{2, 3, 4} {
		booked, err := f.answers.ListByOption(context.Background(), f.opt.ID, model.StateBooked)
		if err != nil {
			t.Fatalf("list booked: %v", err)
		}
		if _, err := f.ledger.Cancel(context.Background(), f.opt.ID, booked[0].UserID, admin); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got := f.state(t, next); got != model.StateBooked {
			t.Fatalf("user %d state = %s, want BOOKED", next, got)
		}
	}
}

func TestBookFullWithoutWaitlist(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 1})
	f.book(t, 1)
	_, err := f.ledger.Book(context.Background(), f.opt.ID, 2, user(2))
	if !errors.Is(err, ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
	if _, err := f.answers.Get(context.Background(), f.opt.ID, 2); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("rejected booking left a row behind: %v", err)
	}
}

func TestWaitlistLimit(t *testing.T) {
	// factor 1 * capacity 1 + overbooking 1 = 2 slots.
	f := newFixture(t, model.Option{MaxAnswers: 1, MaxOverbooking: 1, WaitlistEnabled: true})
	f.book(t, 1)
	f.book(t, 2)
	f.book(t, 3)
	if _, err := f.ledger.Book(context.Background(), f.opt.ID, 4, user(4)); !errors.Is(err, ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
}

func TestBookIsIdempotent(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 3})
	first := f.book(t, 1)
	n := len(f.sink.Events)
	second := f.book(t, 1)
	if second.Version != first.Version || second.State != model.StateBooked {
		t.Fatalf("second book = %+v, want unchanged %+v", second, first)
	}
	if len(f.sink.Events) != n {
		t.Fatalf("events = %d, want %d", len(f.sink.Events), n)
	}
}

func TestApplyRejectsInvalidTransitions(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 1, WaitlistEnabled: true})
	f.book(t, 1)
	f.book(t, 2)

	_, err := f.ledger.Apply(context.Background(), Request{OptionID: f.opt.ID, UserID: 2, State: model.StateBooked, Actor: user(2)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("waitlisted -> booked err = %v, want ErrInvalidTransition", err)
	}
	_, err = f.ledger.Apply(context.Background(), Request{OptionID: f.opt.ID, UserID: 1, State: model.StateReserved, Actor: user(1)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("booked -> reserved err = %v, want ErrInvalidTransition", err)
	}
	_, err = f.ledger.Cancel(context.Background(), f.opt.ID, 1, user(2))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign cancel err = %v, want ErrForbidden", err)
	}
	_, err = f.ledger.Cancel(context.Background(), f.opt.ID, 99, user(99))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel without answer err = %v, want ErrNotFound", err)
	}
}

func TestOverbookIsFlaggedAndPrivileged(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 1})
	f.book(t, 1)
	if _, err := f.ledger.Overbook(context.Background(), f.opt.ID, 2, user(2)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	a, err := f.ledger.Overbook(context.Background(), f.opt.ID, 2, admin)
	if err != nil {
		t.Fatalf("overbook: %v", err)
	}
	if a.State != model.StateBooked || !a.Overbooked {
		t.Fatalf("answer = %s overbooked=%v, want BOOKED overbooked", a.State, a.Overbooked)
	}
	n, err := f.answers.CountByState(context.Background(), f.opt.ID, model.StateBooked)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("booked = %d, want 2", n)
	}
}

func TestReserveConfirmAndPurge(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 1, RequiresConfirmation: true})
	a, err := f.ledger.Reserve(context.Background(), f.opt.ID, 1, user(1))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if a.State != model.StateReserved {
		t.Fatalf("state = %s, want RESERVED", a.State)
	}
	if _, err := f.ledger.Confirm(context.Background(), f.opt.ID, 1, user(1)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self confirm err = %v, want ErrForbidden", err)
	}
	if a, err = f.ledger.Confirm(context.Background(), f.opt.ID, 1, admin); err != nil || a.State != model.StateBooked {
		t.Fatalf("confirm = %s, %v; want BOOKED", a.State, err)
	}
	if _, err := f.ledger.Cancel(context.Background(), f.opt.ID, 1, user(1)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.ledger.Purge(context.Background(), f.opt.ID, 1, user(1)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self purge err = %v, want ErrForbidden", err)
	}
	if a, err = f.ledger.Purge(context.Background(), f.opt.ID, 1, admin); err != nil || a.State != model.StateDeleted {
		t.Fatalf("purge = %s, %v; want DELETED", a.State, err)
	}
	// A purged user may answer again.
	if a = f.book(t, 1); a.State != model.StateBooked {
		t.Fatalf("rebook state = %s, want BOOKED", a.State)
	}
}

func TestRetractIsIdempotent(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 1, WaitlistEnabled: true})
	f.book(t, 1)
	f.book(t, 2)

	_, changed, err := f.ledger.Retract(context.Background(), f.opt.ID, 1, "not enrolled")
	if err != nil || !changed {
		t.Fatalf("first retract changed=%v err=%v, want changed", changed, err)
	}
	if got := f.state(t, 2); got != model.StateBooked {
		t.Fatalf("waitlisted user state = %s, want BOOKED after retraction", got)
	}
	n := len(f.sink.Events)
	a, changed, err := f.ledger.Retract(context.Background(), f.opt.ID, 1, "not enrolled")
	if err != nil || changed {
		t.Fatalf("second retract changed=%v err=%v, want no-op", changed, err)
	}
	if a.State != model.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", a.State)
	}
	if len(f.sink.Events) != n {
		t.Fatalf("events = %d, want %d (no duplicate)", len(f.sink.Events), n)
	}
}

func TestRebalanceAfterCapacityIncrease(t *testing.T) {
	db := testutil.OpenDB(t)
	options := repository.NewOptionRepo(db)
	answers := repository.NewAnswerRepo(db, database.SQLite)
	l := New(answers, nil, 1)
	opt := testutil.CreateOption(t, db, model.Option{MaxAnswers: 1, MaxOverbooking: 1, WaitlistEnabled: true})
	for _, id := range []uint64{1, 2, 3} {
		if _, err := l.Book(context.Background(), opt.ID, id, user(id)); err != nil {
			t.Fatalf("book %d: %v", id, err)
		}
	}
	opt.MaxAnswers = 3
	if err := options.Update(context.Background(), &opt); err != nil {
		t.Fatalf("update: %v", err)
	}
	n, err := l.Rebalance(context.Background(), opt.ID)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if n != 2 {
		t.Fatalf("promoted = %d, want 2", n)
	}
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, model.Option{MaxAnswers: 1})
	f.sink.Err = errors.New("broker down")
	f.book(t, 1)
	if got := f.state(t, 1); got != model.StateBooked {
		t.Fatalf("state = %s, want BOOKED", got)
	}
}

func TestConcurrentBookingsForLastSeat(t *testing.T) {
	tests := []struct {
		name     string
		waitlist bool
	}{
		{"waitlist", true},
		{"no waitlist", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, model.Option{MaxAnswers: 1, WaitlistEnabled: tt.waitlist})
			var (
				wg      sync.WaitGroup
				results = make([]model.Answer, 2)
				errs    = make([]error, 2)
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					uid := uint64(i + 1)
					results[i], errs[i] = f.ledger.Book(context.Background(), f.opt.ID, uid, user(uid))
				}(i)
			}
			wg.Wait()

			booked, other := 0, 0
			for i := range results {
				switch {
				case errs[i] == nil && results[i].State == model.StateBooked:
					booked++
				case tt.waitlist && errs[i] == nil && results[i].State == model.StateWaitlisted:
					other++
				case !tt.waitlist && errors.Is(errs[i], ErrFull):
					other++
				default:
					t.Fatalf("booking %d = %s, %v", i, results[i].State, errs[i])
				}
			}
			if booked != 1 || other != 1 {
				t.Fatalf("booked=%d other=%d, want 1 and 1", booked, other)
			}
		})
	}
}
