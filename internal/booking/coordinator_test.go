package booking

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/option-booking/internal/condition"
	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/ledger"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/revalidation"
	"github.com/iliyamo/option-booking/internal/testutil"
)

type env struct {
	db      *sql.DB
	options *repository.OptionRepo
	users   *repository.UserRepo
	answers *repository.AnswerRepo
	facts   StoreFacts
	ledger  *ledger.Ledger
	coord   *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.OpenDB(t)
	e := &env{
		db:      db,
		options: repository.NewOptionRepo(db),
		users:   repository.NewUserRepo(db),
		answers: repository.NewAnswerRepo(db, database.SQLite),
	}
	e.facts = StoreFacts{Users: e.users, Enrollments: repository.NewEnrollmentRepo(db), Answers: e.answers}
	e.ledger = ledger.New(e.answers, nil, 1)
	e.coord = NewCoordinator(e.options, e.facts, condition.NewEvaluator(time.Second), e.ledger, 1)
	return e
}

func self(id uint64) model.Actor { return model.Actor{UserID: id} }

// staleFacts reports a free option for the first n count lookups, as if
// the verdict had been computed before a concurrent booking committed.
type staleFacts struct {
	StoreFacts
	n int
}

func (s *staleFacts) Counts(ctx context.Context, optionID uint64) (int, int, error) {
	if s.n > 0 {
		s.n--
		return 0, 0, nil
	}
	return s.StoreFacts.Counts(ctx, optionID)
}

func TestRequestBookingBlockedDoesNotTouchLedger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	uid := testutil.CreateUser(t, e.db, "banned@example.com", model.RoleCustomer)
	if err := e.users.SetBanned(ctx, uid, true); err != nil {
		t.Fatalf("ban: %v", err)
	}
	opt := testutil.CreateOption(t, e.db, model.Option{MaxAnswers: 1})

	_, err := e.coord.RequestBooking(ctx, opt.ID, uid, self(uid))
	var ne *NotEligibleError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NotEligibleError", err)
	}
	if ne.Code != condition.CodeBannedUser || ne.Message == "" {
		t.Fatalf("not eligible = %+v, want banned_user with message", ne)
	}
	if _, err := e.answers.Get(ctx, opt.ID, uid); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("answer lookup err = %v, want ErrNotFound", err)
	}
}

func TestRequestBookingBooksAndWaitlists(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	opt := testutil.CreateOption(t, e.db, model.Option{MaxAnswers: 1, WaitlistEnabled: true})

	res, err := e.coord.RequestBooking(ctx, opt.ID, 1, self(1))
	if err != nil || res.Answer.State != model.StateBooked || res.Verdict.Code != condition.CodeBookIt {
		t.Fatalf("first = %+v, %v; want booked via book_it", res, err)
	}
	res, err = e.coord.RequestBooking(ctx, opt.ID, 2, self(2))
	if err != nil || res.Answer.State != model.StateWaitlisted || res.Verdict.Code != condition.CodeBookOnWaitlist {
		t.Fatalf("second = %+v, %v; want waitlisted via book_on_waitlist", res, err)
	}
	if res.Notice != "" {
		t.Fatalf("notice = %q, want none for an expected waitlisting", res.Notice)
	}
}

func TestRequestBookingStaleVerdictGetsWaitlistNotice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	opt := testutil.CreateOption(t, e.db, model.Option{MaxAnswers: 1, WaitlistEnabled: true})
	if _, err := e.ledger.Book(ctx, opt.ID, 1, self(1)); err != nil {
		t.Fatalf("book: %v", err)
	}
	e.coord.facts = &staleFacts{StoreFacts: e.facts, n: 1}

	res, err := e.coord.RequestBooking(ctx, opt.ID, 2, self(2))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Answer.State != model.StateWaitlisted || res.Notice != NoticeMovedToWaitlist {
		t.Fatalf("result = %s %q, want WAITLISTED with notice", res.Answer.State, res.Notice)
	}
}

func TestRequestBookingFullReevaluatesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	opt := testutil.CreateOption(t, e.db, model.Option{MaxAnswers: 1})
	if _, err := e.ledger.Book(ctx, opt.ID, 1, self(1)); err != nil {
		t.Fatalf("book: %v", err)
	}

	e.coord.facts = &staleFacts{StoreFacts: e.facts, n: 1}
	_, err := e.coord.RequestBooking(ctx, opt.ID, 2, self(2))
	var ne *NotEligibleError
	if !errors.As(err, &ne) || ne.Code != condition.CodeFullyBooked {
		t.Fatalf("err = %v, want fresh fully_booked verdict", err)
	}

	// A verdict that stays stale surfaces the ledger's ErrFull.
	e.coord.facts = &staleFacts{StoreFacts: e.facts, n: 2}
	_, err = e.coord.RequestBooking(ctx, opt.ID, 3, self(3))
	if !errors.Is(err, ledger.ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
	var fe *FullError
	if !errors.As(err, &fe) || fe.Verdict.Code != condition.CodeBookIt {
		t.Fatalf("err = %v, want FullError carrying the fresh book_it verdict", err)
	}
}

func TestRequestBookingAsksForConfirmation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	opt := testutil.CreateOption(t, e.db, model.Option{MaxAnswers: 2, RequiresConfirmation: true})
	res, err := e.coord.RequestBooking(ctx, opt.ID, 1, self(1))
	if err != nil || res.Answer.State != model.StateReserved {
		t.Fatalf("request = %+v, %v; want RESERVED", res, err)
	}
	admin := model.Actor{UserID: 99, Privileged: true}
	a, err := e.coord.ConfirmReservation(ctx, opt.ID, 1, admin)
	if err != nil || a.State != model.StateBooked {
		t.Fatalf("confirm = %s, %v; want BOOKED", a.State, err)
	}
}

func TestRequestBookingForSomeoneElse(t *testing.T) {
	e := newEnv(t)
	opt := testutil.CreateOption(t, e.db, model.Option{})
	if _, err := e.coord.RequestBooking(context.Background(), opt.ID, 2, self(1)); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCancellationIsNeverGated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	uid := testutil.CreateUser(t, e.db, "leaver@example.com", model.RoleCustomer)
	opt := testutil.CreateOption(t, e.db, model.Option{MaxAnswers: 1})
	if _, err := e.coord.RequestBooking(ctx, opt.ID, uid, self(uid)); err != nil {
		t.Fatalf("book: %v", err)
	}
	if err := e.users.SetBanned(ctx, uid, true); err != nil {
		t.Fatalf("ban: %v", err)
	}
	a, err := e.coord.RequestCancellation(ctx, opt.ID, uid, self(uid))
	if err != nil || a.State != model.StateCancelled {
		t.Fatalf("cancel = %s, %v; want CANCELLED", a.State, err)
	}
}

func TestOverbookRefusesBannedUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := model.Actor{UserID: 99, Privileged: true}
	uid := testutil.CreateUser(t, e.db, "x@example.com", model.RoleCustomer)
	opt := testutil.CreateOption(t, e.db, model.Option{MaxAnswers: 1})
	// the seat goes to someone other than uid
	holder := uid + 100
	if _, err := e.ledger.Book(ctx, opt.ID, holder, self(holder)); err != nil {
		t.Fatalf("book: %v", err)
	}
	a, err := e.coord.Overbook(ctx, opt.ID, uid, admin)
	if err != nil || !a.Overbooked {
		t.Fatalf("overbook = %+v, %v; want overbooked", a, err)
	}
	other := testutil.CreateUser(t, e.db, "y@example.com", model.RoleCustomer)
	_ = e.users.SetBanned(ctx, other, true)
	var ne *NotEligibleError
	if _, err := e.coord.Overbook(ctx, opt.ID, other, admin); !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NotEligibleError", err)
	}
}

type recordingRevalidator struct{ scopes []revalidation.Scope }

func (r *recordingRevalidator) Enqueue(_ context.Context, s revalidation.Scope) (revalidation.EnqueueResult, error) {
	r.scopes = append(r.scopes, s)
	return revalidation.EnqueueResult{}, nil
}

func (r *recordingRevalidator) CancelForOption(context.Context, uint64) (int, error) { return 0, nil }

func TestAdminTriggers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rv := &recordingRevalidator{}
	admin := NewAdmin(e.options, e.users, e.facts.Enrollments, e.ledger, rv)

	opt := model.Option{Name: "  Workshop ", ContextID: 3, MaxAnswers: 1, MaxOverbooking: 1, WaitlistEnabled: true}
	if err := admin.CreateOption(ctx, &opt); err != nil {
		t.Fatalf("create: %v", err)
	}
	if opt.Name != "Workshop" {
		t.Fatalf("name = %q, want trimmed", opt.Name)
	}
	for _, u := range []uint64{1, 2, 3} {
		if _, err := e.ledger.Book(ctx, opt.ID, u, self(u)); err != nil {
			t.Fatalf("book %d: %v", u, err)
		}
	}

	opt.MaxAnswers = 3
	if err := admin.UpdateOption(ctx, &opt); err != nil {
		t.Fatalf("update: %v", err)
	}
	n, _ := e.answers.CountByState(ctx, opt.ID, model.StateBooked)
	if n != 3 {
		t.Fatalf("booked after raise = %d, want 3", n)
	}

	opt.Invisible = true
	if err := admin.UpdateOption(ctx, &opt); err != nil {
		t.Fatalf("hide: %v", err)
	}
	if err := admin.Unenroll(ctx, 2, 3); err != nil {
		t.Fatalf("unenroll: %v", err)
	}
	uid := testutil.CreateUser(t, e.db, "b@example.com", model.RoleCustomer)
	if err := admin.SetBanned(ctx, uid, true); err != nil {
		t.Fatalf("ban: %v", err)
	}

	wantFlags := []string{revalidation.FlagOnVisibility, revalidation.FlagOnUnenrol, revalidation.FlagOnBan}
	if len(rv.scopes) != len(wantFlags) {
		t.Fatalf("scopes = %+v, want %d", rv.scopes, len(wantFlags))
	}
	for i, f := range wantFlags {
		if rv.scopes[i].Flag != f {
			t.Fatalf("scope %d flag = %q, want %q", i, rv.scopes[i].Flag, f)
		}
	}

	bad := model.Option{Name: "x", Conditions: []model.ConditionConfig{{Kind: "astrology"}}}
	if err := admin.CreateOption(ctx, &bad); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("err = %v, want ErrInvalidOption", err)
	}
}
