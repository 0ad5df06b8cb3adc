// Package revalidation re-checks standing answers after the facts they
// were booked on may have changed.  Work is scheduled as durable work items
// with a debounce delay, claimed by a pool of workers and processed answer
// by answer so that one failure never blocks the rest.
package revalidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iliyamo/option-booking/internal/model"
)

// ErrActionFailed marks a corrective action that could not complete.  The
// answer keeps its state and the work item is retried.
var ErrActionFailed = errors.New("revalidation action failed")

// ErrUnknownAction is returned for work items naming an unregistered action.
var ErrUnknownAction = errors.New("unknown revalidation action")

// ErrUnknownCheck is returned when a scope names an unregistered check.
var ErrUnknownCheck = errors.New("unknown revalidation check")

// Target is the answer a check or action runs against, together with the
// option it belongs to.
type Target struct {
	Option model.Option
	Answer model.Answer
}

// Check reports whether a standing answer is still eligible.
type Check interface {
	ID() string
	Priority() int
	Check(ctx context.Context, t Target) (bool, error)
}

// Action corrects an answer that failed a check.  It reports whether it
// changed anything.  Actions must be idempotent.
type Action interface {
	ID() string
	Perform(ctx context.Context, t Target, reason string) (bool, error)
}

// CheckRegistry keeps checks ordered by priority, ties in registration
// order.
type CheckRegistry struct {
	mu     sync.RWMutex
	checks []Check
}

func NewCheckRegistry(checks ...Check) *CheckRegistry {
	r := &CheckRegistry{}
	for _, c := range checks {
		r.Register(c)
	}
	return r
}

// Register adds c.  Registering an id twice replaces the earlier check.
func (r *CheckRegistry) Register(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.checks {
		if have.ID() == c.ID() {
			r.checks = append(r.checks[:i], r.checks[i+1:]...)
			break
		}
	}
	r.checks = append(r.checks, c)
	sort.SliceStable(r.checks, func(i, j int) bool { return r.checks[i].Priority() < r.checks[j].Priority() })
}

// Snapshot returns the checks with the given ids in priority order, or
// every check when no id is given.
func (r *CheckRegistry) Snapshot(ids ...string) []Check {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(ids) == 0 {
		return append([]Check(nil), r.checks...)
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]Check, 0, len(ids))
	for _, c := range r.checks {
		if want[c.ID()] {
			out = append(out, c)
		}
	}
	return out
}

// Validate returns an error naming the first unknown id.
func (r *CheckRegistry) Validate(ids []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
next:
	for _, id := range ids {
		for _, c := range r.checks {
			if c.ID() == id {
				continue next
			}
		}
		return fmt.Errorf("%w: %q", ErrUnknownCheck, id)
	}
	return nil
}

// ActionRegistry maps action ids to actions.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewActionRegistry(actions ...Action) *ActionRegistry {
	r := &ActionRegistry{actions: make(map[string]Action)}
	for _, a := range actions {
		r.Register(a)
	}
	return r
}

func (r *ActionRegistry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.ID()] = a
}

func (r *ActionRegistry) Get(id string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	return a, ok
}
