// Package app wires the repositories, the booking core and the
// revalidation machinery into one graph shared by the server, the worker
// and bookingctl.
package app

import (
	"database/sql"
	"time"

	"github.com/iliyamo/option-booking/internal/booking"
	"github.com/iliyamo/option-booking/internal/condition"
	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/ledger"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/revalidation"
)

// Options tunes the core services.
type Options struct {
	ConditionTimeout  time.Duration
	WaitlistFactor    int
	RevalidationDelay time.Duration
}

// Services is the wired application.
type Services struct {
	DB      *sql.DB
	Dialect database.Dialect

	Options     *repository.OptionRepo
	Answers     *repository.AnswerRepo
	Users       *repository.UserRepo
	Tokens      *repository.TokenRepo
	Enrollments *repository.EnrollmentRepo
	Settings    *repository.SettingsRepo
	Tasks       *repository.TaskRepo
	Audit       *repository.AuditRepo

	Evaluator   *condition.Evaluator
	Ledger      *ledger.Ledger
	Coordinator *booking.Coordinator
	Admin       *booking.Admin

	Checks    *revalidation.CheckRegistry
	Actions   *revalidation.ActionRegistry
	Scheduler *revalidation.Scheduler
	Processor *revalidation.Processor
}

// New builds the service graph on db.  Events go to sink; debouncer may
// be nil.
func New(db *sql.DB, dialect database.Dialect, sink ledger.EventSink, debouncer revalidation.Debouncer, opts Options) *Services {
	s := &Services{
		DB:          db,
		Dialect:     dialect,
		Options:     repository.NewOptionRepo(db),
		Answers:     repository.NewAnswerRepo(db, dialect),
		Users:       repository.NewUserRepo(db),
		Tokens:      repository.NewTokenRepo(db),
		Enrollments: repository.NewEnrollmentRepo(db),
		Settings:    repository.NewSettingsRepo(db),
		Tasks:       repository.NewTaskRepo(db),
		Audit:       repository.NewAuditRepo(db),
	}
	s.Evaluator = condition.NewEvaluator(opts.ConditionTimeout)
	s.Ledger = ledger.New(s.Answers, sink, opts.WaitlistFactor)
	facts := booking.StoreFacts{Users: s.Users, Enrollments: s.Enrollments, Answers: s.Answers}
	s.Coordinator = booking.NewCoordinator(s.Options, facts, s.Evaluator, s.Ledger, opts.WaitlistFactor)

	s.Checks = revalidation.NewCheckRegistry(
		revalidation.NotBanned(s.Users),
		revalidation.StillVisible(),
		revalidation.StillEnrolled(s.Enrollments),
	)
	s.Actions = revalidation.NewActionRegistry(
		revalidation.Retract(s.Ledger),
		revalidation.ReportAction(),
	)
	if debouncer == nil {
		debouncer = revalidation.NewRedisDebouncer(nil)
	}
	s.Scheduler = revalidation.NewScheduler(s.Options, s.Answers, s.Tasks, debouncer, s.Checks, s.Actions, opts.RevalidationDelay)
	s.Processor = revalidation.NewProcessor(s.Options, s.Answers, s.Settings, s.Checks, s.Actions, s.Audit)
	s.Admin = booking.NewAdmin(s.Options, s.Users, s.Enrollments, s.Ledger, s.Scheduler)
	return s
}
