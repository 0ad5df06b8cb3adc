package condition

import (
	"context"
	"fmt"

	"github.com/iliyamo/option-booking/internal/model"
)

// Kind enumerates the builtin conditions.
type Kind int

const (
	KindBannedUser Kind = iota
	KindNotVisible
	KindBookingTime
	KindEnrollmentRequired
	KindAlreadyBooked
	KindAlreadyOnWaitlist
	KindAskForConfirmation
	KindFullyBooked
	KindOnWaitlist
	KindBookIt
)

// Verdict codes of the builtin kinds.
const (
	CodeBannedUser         = "banned_user"
	CodeNotVisible         = "not_visible"
	CodeBookingTime        = "booking_time"
	CodeEnrollmentRequired = "enrollment_required"
	CodeAlreadyBooked      = "already_booked"
	CodeAlreadyOnWaitlist  = "already_on_waitlist"
	CodeAskForConfirmation = "ask_for_confirmation"
	CodeFullyBooked        = "fully_booked"
	CodeBookOnWaitlist     = "book_on_waitlist"
	CodeBookIt             = "book_it"
)

type kindMeta struct {
	id       string
	code     string
	priority int
	message  string
}

var kinds = [...]kindMeta{
	KindBannedUser:         {"banned_user", CodeBannedUser, 0, "you are not allowed to book"},
	KindNotVisible:         {"not_visible", CodeNotVisible, 5, "this option is not available"},
	KindBookingTime:        {"booking_time", CodeBookingTime, 10, "booking is not open"},
	KindEnrollmentRequired: {"enrollment_required", CodeEnrollmentRequired, 20, "you must be enrolled to book this option"},
	KindAlreadyBooked:      {"already_booked", CodeAlreadyBooked, 30, "you have already booked this option"},
	KindAlreadyOnWaitlist:  {"already_on_waitlist", CodeAlreadyOnWaitlist, 31, "you are already on the waitlist"},
	KindAskForConfirmation: {"ask_for_confirmation", CodeAskForConfirmation, 40, "your booking will be confirmed by an administrator"},
	KindFullyBooked:        {"fully_booked", CodeFullyBooked, 50, "fully booked"},
	KindOnWaitlist:         {"on_waitlist", CodeBookOnWaitlist, 60, "book on waitlist"},
	KindBookIt:             {"book_it", CodeBookIt, 100, "book now"},
}

// Kinds returns every builtin kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	for i := range kinds {
		out[i] = Kind(i)
	}
	return out
}

func (k Kind) valid() bool { return k >= 0 && int(k) < len(kinds) }

func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].id
}

// DefaultPriority is the priority a kind has unless an option overrides it.
func (k Kind) DefaultPriority() int {
	if !k.valid() {
		return 0
	}
	return kinds[k].priority
}

// ParseKind resolves a configured kind name.
func ParseKind(s string) (Kind, bool) {
	for i, m := range kinds {
		if m.id == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// Builtin is a builtin condition at a given priority.
type Builtin struct {
	kind     Kind
	priority int
}

// New returns the builtin condition of kind at its default priority.
func New(k Kind) Builtin { return Builtin{kind: k, priority: k.DefaultPriority()} }

// WithPriority returns a copy of b at priority p.
func (b Builtin) WithPriority(p int) Builtin { b.priority = p; return b }

func (b Builtin) Kind() Kind    { return b.kind }
func (b Builtin) ID() string    { return b.kind.String() }
func (b Builtin) Priority() int { return b.priority }

func (b Builtin) verdict(allowed, hard bool) Verdict {
	m := kinds[b.kind]
	return Verdict{
		Code:        m.code,
		ConditionID: m.id,
		Priority:    b.priority,
		Allowed:     allowed,
		Applicable:  true,
		HardBlock:   hard,
		Message:     m.message,
	}
}

func (b Builtin) block() Verdict { return b.verdict(false, true) }
func (b Builtin) note() Verdict  { return b.verdict(false, false) }
func (b Builtin) allow() Verdict { return b.verdict(true, false) }

// Evaluate dispatches on the kind.
func (b Builtin) Evaluate(ctx context.Context, s Subject) (Verdict, error) {
	opt := s.Option
	rc := s.Ctx
	switch b.kind {
	case KindBannedUser:
		banned, err := rc.Banned(ctx, s.UserID)
		if err != nil {
			return Verdict{}, err
		}
		if banned {
			return b.block(), nil
		}
	case KindNotVisible:
		if opt.Invisible && !rc.Actor.Privileged {
			return b.block(), nil
		}
	case KindBookingTime:
		if !opt.BookingOpen(rc.Now) {
			return b.block(), nil
		}
	case KindEnrollmentRequired:
		if opt.ContextID == 0 {
			return NotApplicable(), nil
		}
		ok, err := rc.Enrolled(ctx, s.UserID, opt.ContextID)
		if err != nil {
			return Verdict{}, err
		}
		if !ok {
			return b.block(), nil
		}
	case KindAlreadyBooked, KindAlreadyOnWaitlist:
		a, err := rc.Answer(ctx, opt.ID, s.UserID)
		if err != nil {
			return Verdict{}, err
		}
		want := model.StateBooked
		if b.kind == KindAlreadyOnWaitlist {
			want = model.StateWaitlisted
		}
		if a != nil && a.State == want {
			return b.note(), nil
		}
	case KindAskForConfirmation:
		if opt.RequiresConfirmation {
			return b.allow(), nil
		}
	case KindFullyBooked, KindOnWaitlist:
		if opt.Unlimited() {
			return NotApplicable(), nil
		}
		a, err := rc.Answer(ctx, opt.ID, s.UserID)
		if err != nil {
			return Verdict{}, err
		}
		if a != nil && a.State.Standing() {
			// A standing answer already holds its place.
			return NotApplicable(), nil
		}
		booked, waitlisted, err := rc.Counts(ctx, opt.ID)
		if err != nil {
			return Verdict{}, err
		}
		if booked < opt.MaxAnswers {
			return NotApplicable(), nil
		}
		limit := opt.WaitlistLimit(rc.WaitlistFactor)
		slot := opt.WaitlistEnabled && (limit <= 0 || waitlisted < limit)
		if b.kind == KindFullyBooked && !slot {
			return b.block(), nil
		}
		if b.kind == KindOnWaitlist && slot {
			return b.allow(), nil
		}
	case KindBookIt:
		return b.allow(), nil
	default:
		return Verdict{}, fmt.Errorf("unknown condition kind %d", int(b.kind))
	}
	return NotApplicable(), nil
}

// ForOption builds the builtin chain of an option.  Every kind is present
// at its default priority unless the option's condition configuration
// overrides the priority or disables it.  Unknown configured kinds are
// returned in the error but do not stop the chain from being built.
func ForOption(opt model.Option) ([]Condition, error) {
	overrides := make(map[Kind]model.ConditionConfig, len(opt.Conditions))
	var unknown []string
	for _, cc := range opt.Conditions {
		k, ok := ParseKind(cc.Kind)
		if !ok {
			unknown = append(unknown, cc.Kind)
			continue
		}
		overrides[k] = cc
	}
	out := make([]Condition, 0, len(kinds))
	for _, k := range Kinds() {
		b := New(k)
		if cc, ok := overrides[k]; ok {
			if cc.Disabled {
				continue
			}
			if cc.Priority != nil {
				b = b.WithPriority(*cc.Priority)
			}
		}
		out = append(out, b)
	}
	if len(unknown) > 0 {
		return out, fmt.Errorf("unknown condition kinds %v", unknown)
	}
	return out, nil
}

// ValidateConfig rejects configurations naming unknown kinds.
func ValidateConfig(cs []model.ConditionConfig) error {
	for _, cc := range cs {
		if _, ok := ParseKind(cc.Kind); !ok {
			return fmt.Errorf("unknown condition kind %q", cc.Kind)
		}
	}
	return nil
}
