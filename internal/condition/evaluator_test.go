package condition

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/option-booking/internal/model"
)

type fakeFacts struct {
	banned     map[uint64]bool
	enrolled   map[uint64]bool
	answers    map[uint64]*model.Answer
	booked     int
	waitlisted int
	countCalls int
}

func (f *fakeFacts) IsBanned(_ context.Context, userID uint64) (bool, error) {
	return f.banned[userID], nil
}

func (f *fakeFacts) IsEnrolled(_ context.Context, userID, _ uint64) (bool, error) {
	return f.enrolled[userID], nil
}

func (f *fakeFacts) Answer(_ context.Context, _, userID uint64) (*model.Answer, error) {
	return f.answers[userID], nil
}

func (f *fakeFacts) Counts(context.Context, uint64) (int, int, error) {
	f.countCalls++
	return f.booked, f.waitlisted, nil
}

type stubCondition struct {
	id       string
	priority int
	verdict  Verdict
	err      error
	panics   bool
	block    bool
	calls    *int32
}

func (s stubCondition) ID() string    { return s.id }
func (s stubCondition) Priority() int { return s.priority }

func (s stubCondition) Evaluate(ctx context.Context, _ Subject) (Verdict, error) {
	if s.calls != nil {
		atomic.AddInt32(s.calls, 1)
	}
	if s.panics {
		panic("boom")
	}
	if s.block {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	}
	return s.verdict, s.err
}

func hardBlock(code string) Verdict {
	return Verdict{Code: code, Applicable: true, HardBlock: true}
}

func subject(opt model.Option, userID uint64, facts Facts) Subject {
	return Subject{Option: opt, UserID: userID, Ctx: NewContext(facts, model.Actor{UserID: userID}, time.Now())}
}

func TestWalkShortCircuitsOnFirstHardBlock(t *testing.T) {
	var secondCalls int32
	chain := []Condition{
		stubCondition{id: "first", priority: 1, verdict: hardBlock("first")},
		stubCondition{id: "second", priority: 2, verdict: hardBlock("second"), calls: &secondCalls},
	}
	e := NewEvaluator(time.Second)
	v := e.Walk(context.Background(), chain, subject(model.Option{ID: 1}, 1, &fakeFacts{}))
	if v.Code != "first" {
		t.Fatalf("code = %q, want first", v.Code)
	}
	if v.Allowed {
		t.Fatalf("allowed = true, want false")
	}
	if n := atomic.LoadInt32(&secondCalls); n != 0 {
		t.Fatalf("second condition calls = %d, want 0", n)
	}
}

func TestEvaluateBannedUserBeatsCapacity(t *testing.T) {
	facts := &fakeFacts{banned: map[uint64]bool{7: true}, booked: 2}
	opt := model.Option{ID: 1, MaxAnswers: 2}
	e := NewEvaluator(time.Second)
	v := e.Evaluate(context.Background(), subject(opt, 7, facts))
	if v.Code != CodeBannedUser {
		t.Fatalf("code = %q, want %q", v.Code, CodeBannedUser)
	}
	if facts.countCalls != 0 {
		t.Fatalf("capacity was consulted %d times after a hard block", facts.countCalls)
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		c    stubCondition
	}{
		{"error", stubCondition{id: "err", priority: 1, err: errors.New("store down")}},
		{"panic", stubCondition{id: "panic", priority: 1, panics: true}},
		{"timeout", stubCondition{id: "slow", priority: 1, block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(20 * time.Millisecond)
			chain := []Condition{tt.c, New(KindBookIt)}
			v := e.Walk(context.Background(), chain, subject(model.Option{ID: 1}, 1, &fakeFacts{}))
			if v.Code != CodeEvaluationError {
				t.Fatalf("code = %q, want %q", v.Code, CodeEvaluationError)
			}
			if v.Allowed || !v.HardBlock || !v.Applicable {
				t.Fatalf("verdict = %+v, want applicable hard block", v)
			}
			if v.ConditionID != tt.c.id {
				t.Fatalf("condition id = %q, want %q", v.ConditionID, tt.c.id)
			}
		})
	}
}

func TestEvaluateSoftNotesDoNotBlock(t *testing.T) {
	facts := &fakeFacts{answers: map[uint64]*model.Answer{3: {UserID: 3, State: model.StateBooked}}, booked: 1}
	opt := model.Option{ID: 1, MaxAnswers: 1}
	e := NewEvaluator(time.Second)
	v := e.Evaluate(context.Background(), subject(opt, 3, facts))
	if v.Code != CodeBookIt || !v.Allowed {
		t.Fatalf("verdict = %s allowed=%v, want book_it allowed", v.Code, v.Allowed)
	}
	if len(v.Notes) != 1 || v.Notes[0].Code != CodeAlreadyBooked {
		t.Fatalf("notes = %+v, want one already_booked note", v.Notes)
	}
}

func TestEvaluateCapacityVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		opt        model.Option
		booked     int
		waitlisted int
		want       string
	}{
		{"seat free", model.Option{ID: 1, MaxAnswers: 2}, 1, 0, CodeBookIt},
		{"unlimited", model.Option{ID: 1}, 500, 0, CodeBookIt},
		{"full no waitlist", model.Option{ID: 1, MaxAnswers: 2}, 2, 0, CodeFullyBooked},
		{"full waitlist slot", model.Option{ID: 1, MaxAnswers: 2, WaitlistEnabled: true}, 2, 1, CodeBookOnWaitlist},
		{"full waitlist full", model.Option{ID: 1, MaxAnswers: 2, WaitlistEnabled: true}, 2, 2, CodeFullyBooked},
		{"overbooking widens waitlist", model.Option{ID: 1, MaxAnswers: 2, MaxOverbooking: 1, WaitlistEnabled: true}, 2, 2, CodeBookOnWaitlist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := &fakeFacts{booked: tt.booked, waitlisted: tt.waitlisted}
			v := NewEvaluator(time.Second).Evaluate(context.Background(), subject(tt.opt, 9, facts))
			if v.Code != tt.want {
				t.Fatalf("code = %q, want %q", v.Code, tt.want)
			}
		})
	}
}

func TestConfirmationPriorityIsConfigurable(t *testing.T) {
	facts := &fakeFacts{booked: 1}
	opt := model.Option{ID: 1, MaxAnswers: 1, RequiresConfirmation: true}
	e := NewEvaluator(time.Second)

	if v := e.Evaluate(context.Background(), subject(opt, 2, facts)); v.Code != CodeAskForConfirmation {
		t.Fatalf("default order code = %q, want %q", v.Code, CodeAskForConfirmation)
	}

	late := 55
	opt.Conditions = []model.ConditionConfig{{Kind: "ask_for_confirmation", Priority: &late}}
	if v := e.Evaluate(context.Background(), subject(opt, 2, facts)); v.Code != CodeFullyBooked {
		t.Fatalf("capacity first code = %q, want %q", v.Code, CodeFullyBooked)
	}
}

func TestEvaluateEnrollmentAndVisibility(t *testing.T) {
	facts := &fakeFacts{enrolled: map[uint64]bool{1: true}}
	opt := model.Option{ID: 1, ContextID: 42}
	e := NewEvaluator(time.Second)

	if v := e.Evaluate(context.Background(), subject(opt, 2, facts)); v.Code != CodeEnrollmentRequired {
		t.Fatalf("unenrolled code = %q, want %q", v.Code, CodeEnrollmentRequired)
	}
	if v := e.Evaluate(context.Background(), subject(opt, 1, facts)); v.Code != CodeBookIt {
		t.Fatalf("enrolled code = %q, want %q", v.Code, CodeBookIt)
	}

	opt.Invisible = true
	if v := e.Evaluate(context.Background(), subject(opt, 1, facts)); v.Code != CodeNotVisible {
		t.Fatalf("invisible code = %q, want %q", v.Code, CodeNotVisible)
	}
	s := subject(opt, 1, facts)
	s.Ctx.Actor = model.Actor{UserID: 99, Privileged: true}
	if v := e.Evaluate(context.Background(), s); v.Code != CodeBookIt {
		t.Fatalf("privileged on invisible code = %q, want %q", v.Code, CodeBookIt)
	}
}

func TestEvaluateBookingWindow(t *testing.T) {
	now := time.Now()
	opens := now.Add(time.Hour)
	opt := model.Option{ID: 1, BookingOpensAt: &opens}
	v := NewEvaluator(time.Second).Evaluate(context.Background(), subject(opt, 1, &fakeFacts{}))
	if v.Code != CodeBookingTime {
		t.Fatalf("code = %q, want %q", v.Code, CodeBookingTime)
	}
}

func TestWalkNotConfigured(t *testing.T) {
	chain := []Condition{stubCondition{id: "quiet", priority: 1}}
	v := NewEvaluator(time.Second).Walk(context.Background(), chain, subject(model.Option{ID: 1}, 1, &fakeFacts{}))
	if v.Code != CodeNotConfigured || v.Allowed {
		t.Fatalf("verdict = %+v, want not_configured and not allowed", v)
	}
}

func TestChainKeepsRegistrationOrderOnTies(t *testing.T) {
	e := NewEvaluator(time.Second)
	e.Register(stubCondition{id: "custom_a", priority: 100, verdict: Verdict{Applicable: true, Allowed: true}})
	opt := model.Option{ID: 1, Conditions: []model.ConditionConfig{
		{Kind: "banned_user", Disabled: true},
	}}
	chain := e.Chain(subject(opt, 1, &fakeFacts{}))
	var ids []string
	for _, c := range chain {
		ids = append(ids, c.ID())
	}
	if ids[0] != "not_visible" {
		t.Fatalf("first = %q, want not_visible (banned_user disabled)", ids[0])
	}
	last := ids[len(ids)-2:]
	if last[0] != "book_it" || last[1] != "custom_a" {
		t.Fatalf("tail = %v, want [book_it custom_a]", last)
	}
}

func TestContextMemoizesLookups(t *testing.T) {
	facts := &fakeFacts{booked: 1}
	rc := NewContext(facts, model.Actor{}, time.Time{})
	for i := 0; i < 3; i++ {
		if _, _, err := rc.Counts(context.Background(), 1); err != nil {
			t.Fatalf("counts: %v", err)
		}
	}
	if facts.countCalls != 1 {
		t.Fatalf("count calls = %d, want 1", facts.countCalls)
	}
	rc.Forget()
	_, _, _ = rc.Counts(context.Background(), 1)
	if facts.countCalls != 2 {
		t.Fatalf("count calls after forget = %d, want 2", facts.countCalls)
	}
}
