package revalidation

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

// AnswerSource reads the answers a work item targets.
type AnswerSource interface {
	Get(ctx context.Context, optionID, userID uint64) (model.Answer, error)
	ListByOption(ctx context.Context, optionID uint64, states ...model.AnswerState) ([]model.Answer, error)
}

// FlagSource reads the settings work items are gated on.
type FlagSource interface {
	Enabled(ctx context.Context, name string, def bool) (bool, error)
}

// AuditLog records what revalidation did.
type AuditLog interface {
	Record(ctx context.Context, e *model.AuditEntry) error
}

// Report summarizes one Process call.
type Report struct {
	Skipped  string `json:"skipped,omitempty"`
	Answers  int    `json:"answers"`
	Failed   int    `json:"failed"`
	Actioned int    `json:"actioned"`
	Errors   int    `json:"errors"`
}

// Processor executes work items.
type Processor struct {
	options OptionSource
	answers AnswerSource
	flags   FlagSource
	checks  *CheckRegistry
	actions *ActionRegistry
	audit   AuditLog
	logger  *log.Logger
}

func NewProcessor(options OptionSource, answers AnswerSource, flags FlagSource,
	checks *CheckRegistry, actions *ActionRegistry, audit AuditLog) *Processor {
	return &Processor{
		options: options,
		answers: answers,
		flags:   flags,
		checks:  checks,
		actions: actions,
		audit:   audit,
		logger:  log.New("revalidation"),
	}
}

// Process runs the item's checks against every standing answer it targets
// and applies the item's action to those failing one.  An option that no
// longer exists or a flag that was switched off turns the item into a
// no-op.  Per-answer failures are audited and counted; if any occurred the
// returned error wraps ErrActionFailed so that the item is retried.
func (p *Processor) Process(ctx context.Context, item model.WorkItem) (Report, error) {
	var rep Report
	opt, err := p.options.GetByID(ctx, item.OptionID)
	if errors.Is(err, repository.ErrNotFound) {
		rep.Skipped = "option gone"
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	if item.Flag != "" && p.flags != nil {
		on, err := p.flags.Enabled(ctx, item.Flag, true)
		if err != nil {
			return rep, err
		}
		if !on {
			rep.Skipped = "flag " + item.Flag + " disabled"
			return rep, nil
		}
	}
	action, ok := p.actions.Get(item.ActionID)
	if !ok {
		return rep, fmt.Errorf("%w: %q", ErrUnknownAction, item.ActionID)
	}
	answers, err := p.standing(ctx, item)
	if err != nil {
		return rep, err
	}
	if len(answers) == 0 {
		rep.Skipped = "no standing answers"
		return rep, nil
	}
	checks := p.checks.Snapshot(item.CheckIDs...)
	rep.Answers = len(answers)

	for _, a := range answers {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p.processAnswer(ctx, item, opt, a, checks, action, &rep)
	}
	if rep.Errors > 0 {
		return rep, fmt.Errorf("%w: %d of %d answers of option %d", ErrActionFailed, rep.Errors, rep.Answers, item.OptionID)
	}
	return rep, nil
}

func (p *Processor) standing(ctx context.Context, item model.WorkItem) ([]model.Answer, error) {
	if item.UserID == 0 {
		return p.answers.ListByOption(ctx, item.OptionID, model.StateBooked, model.StateWaitlisted)
	}
	a, err := p.answers.Get(ctx, item.OptionID, item.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !a.State.Standing() {
		return nil, nil
	}
	return []model.Answer{a}, nil
}

func (p *Processor) processAnswer(ctx context.Context, item model.WorkItem, opt model.Option, a model.Answer,
	checks []Check, action Action, rep *Report) {
	t := Target{Option: opt, Answer: a}
	entry := model.AuditEntry{
		WorkItemID: item.ID,
		OptionID:   a.OptionID,
		UserID:     a.UserID,
		ActionID:   action.ID(),
	}
	for _, c := range checks {
		ok, err := runCheck(ctx, c, t)
		if err != nil {
			p.logger.Errorf("check %s on option %d user %d: %v", c.ID(), a.OptionID, a.UserID, err)
			entry.CheckID, entry.Outcome, entry.Error = c.ID(), model.OutcomeCheckError, err.Error()
			rep.Errors++
			p.record(ctx, &entry)
			return
		}
		if ok {
			continue
		}
		rep.Failed++
		entry.CheckID = c.ID()
		changed, err := perform(ctx, action, t, "revalidation: "+c.ID())
		switch {
		case err != nil:
			p.logger.Errorf("action %s on option %d user %d: %v", action.ID(), a.OptionID, a.UserID, err)
			entry.Outcome, entry.Error = model.OutcomeActionFailed, fmt.Errorf("%w: %v", ErrActionFailed, err).Error()
			rep.Errors++
		case action.ID() == ActionReport:
			entry.Outcome = model.OutcomeReported
		case changed:
			entry.Outcome = model.OutcomeRetracted
			rep.Actioned++
		default:
			entry.Outcome = model.OutcomeSkipped
		}
		p.record(ctx, &entry)
		return
	}
}

// runCheck and perform turn a panicking plugin into an error so that one
// bad check never takes the worker down.
func runCheck(ctx context.Context, c Check, t Target) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Check(ctx, t)
}

func perform(ctx context.Context, a Action, t Target, reason string) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			changed, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Perform(ctx, t, reason)
}

func (p *Processor) record(ctx context.Context, e *model.AuditEntry) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, e); err != nil {
		p.logger.Errorf("audit option %d user %d: %v", e.OptionID, e.UserID, err)
	}
}
