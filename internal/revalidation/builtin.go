package revalidation

import (
	"context"

	"github.com/iliyamo/option-booking/internal/model"
)

// Builtin check and action ids.
const (
	CheckNotBanned     = "not_banned"
	CheckStillVisible  = "still_visible"
	CheckStillEnrolled = "still_enrolled"

	ActionRetract = "retract"
	ActionReport  = "report"
)

// BanLookup answers whether a user is banned.
type BanLookup interface {
	IsBanned(ctx context.Context, userID uint64) (bool, error)
}

// EnrollmentLookup answers whether a user belongs to a context.
type EnrollmentLookup interface {
	IsEnrolled(ctx context.Context, userID, contextID uint64) (bool, error)
}

// Retractor is the ledger operation the retract action calls.
type Retractor interface {
	Retract(ctx context.Context, optionID, userID uint64, reason string) (model.Answer, bool, error)
}

type notBanned struct{ users BanLookup }

// NotBanned fails answers of banned users.
func NotBanned(users BanLookup) Check { return notBanned{users: users} }

func (notBanned) ID() string    { return CheckNotBanned }
func (notBanned) Priority() int { return 0 }

func (c notBanned) Check(ctx context.Context, t Target) (bool, error) {
	banned, err := c.users.IsBanned(ctx, t.Answer.UserID)
	return !banned, err
}

type stillVisible struct{}

// StillVisible fails every answer of an option that was made invisible.
func StillVisible() Check { return stillVisible{} }

func (stillVisible) ID() string    { return CheckStillVisible }
func (stillVisible) Priority() int { return 10 }

func (stillVisible) Check(_ context.Context, t Target) (bool, error) {
	return !t.Option.Invisible, nil
}

type stillEnrolled struct{ enrollments EnrollmentLookup }

// StillEnrolled fails answers of users no longer enrolled in the option's
// context.  Options without a context always pass.
func StillEnrolled(enrollments EnrollmentLookup) Check {
	return stillEnrolled{enrollments: enrollments}
}

func (stillEnrolled) ID() string    { return CheckStillEnrolled }
func (stillEnrolled) Priority() int { return 20 }

func (c stillEnrolled) Check(ctx context.Context, t Target) (bool, error) {
	if t.Option.ContextID == 0 {
		return true, nil
	}
	return c.enrollments.IsEnrolled(ctx, t.Answer.UserID, t.Option.ContextID)
}

type retract struct{ ledger Retractor }

// Retract cancels the answer through the ledger, promoting from the
// waitlist when a seat is freed.
func Retract(ledger Retractor) Action { return retract{ledger: ledger} }

func (retract) ID() string { return ActionRetract }

func (a retract) Perform(ctx context.Context, t Target, reason string) (bool, error) {
	_, changed, err := a.ledger.Retract(ctx, t.Answer.OptionID, t.Answer.UserID, reason)
	return changed, err
}

type report struct{}

// ReportAction changes nothing; the processor's audit entry is the report.
func ReportAction() Action { return report{} }

func (report) ID() string { return ActionReport }

func (report) Perform(context.Context, Target, string) (bool, error) { return false, nil }
