package revalidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

// DefaultDelay is how long a scheduled revalidation waits before it runs,
// leaving administrators time to cancel it.
const DefaultDelay = 15 * time.Minute

// Flags name settings that must still be enabled when a work item runs.
const (
	FlagOnUnenrol    = "revalidate_on_unenrol"
	FlagOnBan        = "revalidate_on_ban"
	FlagOnVisibility = "revalidate_on_visibility"
	FlagSweep        = "revalidate_sweep"
)

// ErrEmptyScope is returned for a scope that selects nothing.
var ErrEmptyScope = errors.New("revalidation scope selects no option")

// Scope selects what to revalidate.  Exactly one of OptionID, ContextID,
// AllFlagged or a bare UserID drives option selection; UserID additionally
// narrows every selected option to one user.
type Scope struct {
	OptionID   uint64   `json:"option_id,omitempty"`
	ContextID  uint64   `json:"context_id,omitempty"`
	UserID     uint64   `json:"user_id,omitempty"`
	AllFlagged bool     `json:"all_flagged,omitempty"`
	CheckIDs   []string `json:"check_ids,omitempty"`
	ActionID   string   `json:"action_id,omitempty"`
	Flag       string   `json:"flag,omitempty"`
}

// TaskQueue is the durable deferred queue behind the scheduler.
type TaskQueue interface {
	Insert(ctx context.Context, w *model.WorkItem) error
	Get(ctx context.Context, id string) (model.WorkItem, error)
	Cancel(ctx context.Context, id string) error
	CancelPendingForOption(ctx context.Context, optionID uint64) (int, error)
	List(ctx context.Context, f repository.TaskFilter) ([]model.WorkItem, error)
	MergePending(ctx context.Context, key string, merge func(model.WorkItem) ([]string, string)) (model.WorkItem, error)
}

// OptionSource lists options.
type OptionSource interface {
	GetByID(ctx context.Context, id uint64) (model.Option, error)
	List(ctx context.Context, f repository.OptionFilter) ([]model.Option, error)
}

// UserAnswers lists a user's answers across options.
type UserAnswers interface {
	ListByUser(ctx context.Context, userID uint64) ([]model.Answer, error)
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Scheduled []model.WorkItem `json:"scheduled"`
	Debounced int              `json:"debounced"`
}

// Scheduler turns scopes into delayed work items.
type Scheduler struct {
	options   OptionSource
	answers   UserAnswers
	tasks     TaskQueue
	debouncer Debouncer
	checks    *CheckRegistry
	actions   *ActionRegistry
	delay     time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewScheduler wires a scheduler.  A nil debouncer relies on the task
// store alone; a non-positive delay falls back to DefaultDelay.
func NewScheduler(options OptionSource, answers UserAnswers, tasks TaskQueue, debouncer Debouncer,
	checks *CheckRegistry, actions *ActionRegistry, delay time.Duration) *Scheduler {
	if debouncer == nil {
		debouncer = noDebounce{}
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Scheduler{
		options:   options,
		answers:   answers,
		tasks:     tasks,
		debouncer: debouncer,
		checks:    checks,
		actions:   actions,
		delay:     delay,
		logger:    log.New("revalidation"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DedupeKey identifies pending work for one (option, target, action).
func DedupeKey(optionID, userID uint64, actionID string) string {
	return fmt.Sprintf("%d:%d:%s", optionID, userID, actionID)
}

// Enqueue schedules one work item per selected option.  A target that
// already has a pending item inside the debounce window gets no second
// item; the new scope's checks are merged into the pending one instead.
func (s *Scheduler) Enqueue(ctx context.Context, scope Scope) (EnqueueResult, error) {
	var res EnqueueResult
	if scope.ActionID == "" {
		scope.ActionID = ActionRetract
	}
	if _, ok := s.actions.Get(scope.ActionID); !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownAction, scope.ActionID)
	}
	if err := s.checks.Validate(scope.CheckIDs); err != nil {
		return res, err
	}
	optionIDs, err := s.targets(ctx, scope)
	if err != nil {
		return res, err
	}
	at := s.now().Add(s.delay)
	for _, optionID := range optionIDs {
		key := DedupeKey(optionID, scope.UserID, scope.ActionID)
		ok, err := s.debouncer.Acquire(ctx, key, s.delay)
		if err != nil {
			s.logger.Warnf("debounce %s: %v; falling back to the task store", key, err)
			ok = true
		}
		if !ok {
			merged, err := s.merge(ctx, key, scope)
			if err != nil {
				return res, err
			}
			if merged {
				res.Debounced++
				continue
			}
			// The debounce window outlived the pending item (it was
			// claimed already), so the target needs a fresh item.
		}
		item := model.WorkItem{
			ID:          uuid.NewString(),
			OptionID:    optionID,
			UserID:      scope.UserID,
			CheckIDs:    append([]string{}, scope.CheckIDs...),
			ActionID:    scope.ActionID,
			Flag:        scope.Flag,
			DedupeKey:   key,
			ScheduledAt: at,
		}
		if err := s.tasks.Insert(ctx, &item); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				if _, err := s.merge(ctx, key, scope); err != nil {
					return res, err
				}
				res.Debounced++
				continue
			}
			_ = s.debouncer.Release(ctx, key)
			return res, fmt.Errorf("schedule revalidation of option %d: %w", optionID, err)
		}
		res.Scheduled = append(res.Scheduled, item)
	}
	if len(res.Scheduled) > 0 {
		s.logger.Infof("scheduled %d revalidation(s) at %s (%d debounced)", len(res.Scheduled), at.Format(time.RFC3339), res.Debounced)
	}
	return res, nil
}

// merge folds scope into the pending item under key.  It reports false
// when nothing is pending under key.
func (s *Scheduler) merge(ctx context.Context, key string, scope Scope) (bool, error) {
	_, err := s.tasks.MergePending(ctx, key, func(w model.WorkItem) ([]string, string) {
		return unionChecks(w.CheckIDs, scope.CheckIDs), mergeFlag(w.Flag, scope.Flag)
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("merge revalidation %s: %w", key, err)
	}
	return true, nil
}

// unionChecks merges two check id sets.  An empty set means every check,
// so it absorbs the other.
func unionChecks(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// mergeFlag keeps a shared flag.  Items merged from differently gated
// triggers run ungated; each trigger's flag was checked when it fired.
func mergeFlag(a, b string) string {
	if a == b {
		return a
	}
	return ""
}

func (s *Scheduler) targets(ctx context.Context, scope Scope) ([]uint64, error) {
	switch {
	case scope.OptionID != 0:
		if _, err := s.options.GetByID(ctx, scope.OptionID); err != nil {
			return nil, err
		}
		return []uint64{scope.OptionID}, nil
	case scope.ContextID != 0 || scope.AllFlagged:
		opts, err := s.options.List(ctx, repository.OptionFilter{
			ContextID:        scope.ContextID,
			OnlyRevalidate:   scope.AllFlagged,
			IncludeInvisible: true,
		})
		if err != nil {
			return nil, err
		}
		ids := make([]uint64, 0, len(opts))
		for _, o := range opts {
			ids = append(ids, o.ID)
		}
		return ids, nil
	case scope.UserID != 0:
		answers, err := s.answers.ListByUser(ctx, scope.UserID)
		if err != nil {
			return nil, err
		}
		seen := make(map[uint64]bool)
		ids := make([]uint64, 0, len(answers))
		for _, a := range answers {
			if a.State.Standing() && !seen[a.OptionID] {
				seen[a.OptionID] = true
				ids = append(ids, a.OptionID)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, nil
	}
	return nil, ErrEmptyScope
}

// Cancel cancels a pending work item and frees its debounce key.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	item, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.tasks.Cancel(ctx, id); err != nil {
		return err
	}
	if err := s.debouncer.Release(ctx, item.DedupeKey); err != nil {
		s.logger.Warnf("release debounce %s: %v", item.DedupeKey, err)
	}
	return nil
}

// CancelForOption cancels every pending work item of an option.
func (s *Scheduler) CancelForOption(ctx context.Context, optionID uint64) (int, error) {
	pending, err := s.tasks.List(ctx, repository.TaskFilter{OptionID: optionID, Status: model.WorkPending})
	if err != nil {
		return 0, err
	}
	n, err := s.tasks.CancelPendingForOption(ctx, optionID)
	if err != nil {
		return 0, err
	}
	for _, item := range pending {
		if err := s.debouncer.Release(ctx, item.DedupeKey); err != nil {
			s.logger.Warnf("release debounce %s: %v", item.DedupeKey, err)
		}
	}
	return n, nil
}
