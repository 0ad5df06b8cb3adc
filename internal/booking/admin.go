package booking

import (
	"context"
	"fmt"
	"strings"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/option-booking/internal/condition"
	"github.com/iliyamo/option-booking/internal/ledger"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/revalidation"
)

// Revalidator schedules and cancels deferred revalidation.
type Revalidator interface {
	Enqueue(ctx context.Context, scope revalidation.Scope) (revalidation.EnqueueResult, error)
	CancelForOption(ctx context.Context, optionID uint64) (int, error)
}

// OptionStore is the option repository as used by Admin.
type OptionStore interface {
	OptionReader
	Create(ctx context.Context, o *model.Option) error
	Update(ctx context.Context, o *model.Option) error
	Delete(ctx context.Context, id uint64) error
}

// Admin applies configuration changes and fires the revalidation they
// imply.  Scheduling failures are logged and do not fail the change; the
// periodic sweep catches up.
type Admin struct {
	options     OptionStore
	users       *repository.UserRepo
	enrollments *repository.EnrollmentRepo
	ledger      *ledger.Ledger
	revalidator Revalidator
	logger      *log.Logger
}

func NewAdmin(options OptionStore, users *repository.UserRepo, enrollments *repository.EnrollmentRepo,
	l *ledger.Ledger, revalidator Revalidator) *Admin {
	return &Admin{
		options:     options,
		users:       users,
		enrollments: enrollments,
		ledger:      l,
		revalidator: revalidator,
		logger:      log.New("admin"),
	}
}

func validateOption(o *model.Option) error {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidOption)
	}
	if o.MaxAnswers < 0 || o.MaxOverbooking < 0 {
		return fmt.Errorf("%w: capacity must not be negative", ErrInvalidOption)
	}
	if o.BookingOpensAt != nil && o.BookingClosesAt != nil && !o.BookingOpensAt.Before(*o.BookingClosesAt) {
		return fmt.Errorf("%w: booking window closes before it opens", ErrInvalidOption)
	}
	if err := condition.ValidateConfig(o.Conditions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}
	return nil
}

// CreateOption validates and stores a new option.
func (a *Admin) CreateOption(ctx context.Context, o *model.Option) error {
	if err := validateOption(o); err != nil {
		return err
	}
	return a.options.Create(ctx, o)
}

// UpdateOption stores the new configuration.  Raising capacity promotes
// waitlisted answers; hiding the option schedules revalidation of its
// answers.
func (a *Admin) UpdateOption(ctx context.Context, o *model.Option) error {
	if err := validateOption(o); err != nil {
		return err
	}
	prev, err := a.options.GetByID(ctx, o.ID)
	if err != nil {
		return err
	}
	if err := a.options.Update(ctx, o); err != nil {
		return err
	}
	if o.Unlimited() || (!prev.Unlimited() && o.MaxAnswers > prev.MaxAnswers) {
		n, err := a.ledger.Rebalance(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("rebalance option %d: %w", o.ID, err)
		}
		if n > 0 {
			a.logger.Infof("option %d: promoted %d waitlisted answer(s) after capacity change", o.ID, n)
		}
	}
	if o.Invisible && !prev.Invisible {
		a.schedule(ctx, revalidation.Scope{
			OptionID: o.ID,
			CheckIDs: []string{revalidation.CheckStillVisible},
			Flag:     revalidation.FlagOnVisibility,
		})
	}
	return nil
}

// DeleteOption removes an unanswered option and its pending work.
func (a *Admin) DeleteOption(ctx context.Context, id uint64) error {
	if err := a.options.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := a.revalidator.CancelForOption(ctx, id); err != nil {
		a.logger.Errorf("cancel revalidation of deleted option %d: %v", id, err)
	}
	return nil
}

// SetBanned bans or unbans a user.  A ban schedules revalidation of every
// option the user holds a place on.
func (a *Admin) SetBanned(ctx context.Context, userID uint64, banned bool) error {
	if err := a.users.SetBanned(ctx, userID, banned); err != nil {
		return err
	}
	if banned {
		a.schedule(ctx, revalidation.Scope{
			UserID:   userID,
			CheckIDs: []string{revalidation.CheckNotBanned},
			Flag:     revalidation.FlagOnBan,
		})
	}
	return nil
}

// Enroll adds the user to a context.
func (a *Admin) Enroll(ctx context.Context, userID, contextID uint64) error {
	return a.enrollments.Enroll(ctx, userID, contextID)
}

// Unenroll removes the user from a context and schedules revalidation of
// their answers on the context's options.
func (a *Admin) Unenroll(ctx context.Context, userID, contextID uint64) error {
	if err := a.enrollments.Unenroll(ctx, userID, contextID); err != nil {
		return err
	}
	a.schedule(ctx, revalidation.Scope{
		ContextID: contextID,
		UserID:    userID,
		CheckIDs:  []string{revalidation.CheckStillEnrolled},
		Flag:      revalidation.FlagOnUnenrol,
	})
	return nil
}

func (a *Admin) schedule(ctx context.Context, scope revalidation.Scope) {
	if a.revalidator == nil {
		return
	}
	if _, err := a.revalidator.Enqueue(ctx, scope); err != nil {
		a.logger.Errorf("schedule revalidation %+v: %v", scope, err)
	}
}
