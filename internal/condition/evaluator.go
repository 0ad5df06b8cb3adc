package condition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

// DefaultTimeout bounds a single condition evaluation.
const DefaultTimeout = 2 * time.Second

// Evaluator reduces a chain of conditions to one verdict.  Extra
// conditions registered on the evaluator are appended to every option's
// builtin chain.
type Evaluator struct {
	timeout time.Duration
	logger  *log.Logger

	mu    sync.RWMutex
	extra []Condition
}

// NewEvaluator returns an evaluator with the given per-condition timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout, logger: log.New("condition")}
}

// Register adds a condition to every chain built by this evaluator.
// Registration is expected at startup; chains snapshot the list.
func (e *Evaluator) Register(c Condition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extra = append(e.extra, c)
}

// Chain returns the ordered chain for the subject's option: builtins first
// in kind order, then registered conditions, stable-sorted by priority so
// equal priorities keep registration order.
func (e *Evaluator) Chain(s Subject) []Condition {
	chain, err := ForOption(s.Option)
	if err != nil {
		e.logger.Warnf("option %d: %v", s.Option.ID, err)
	}
	e.mu.RLock()
	chain = append(chain, e.extra...)
	e.mu.RUnlock()
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Priority() < chain[j].Priority() })
	return chain
}

// Evaluate walks the option's chain for the subject.
func (e *Evaluator) Evaluate(ctx context.Context, s Subject) Verdict {
	return e.Walk(ctx, e.Chain(s), s)
}

// Walk evaluates chain in the given order.  The first applicable hard
// block ends the walk.  Otherwise the first applicable allowed verdict is
// returned with the soft verdicts seen before it attached as notes.  When
// nothing applies the result is a not_configured verdict.
func (e *Evaluator) Walk(ctx context.Context, chain []Condition, s Subject) Verdict {
	var notes []Verdict
	for _, c := range chain {
		v := e.run(ctx, c, s)
		if !v.Applicable {
			continue
		}
		if v.HardBlock {
			v.Allowed = false
			v.Notes = notes
			return v
		}
		if v.Allowed {
			v.Notes = notes
			return v
		}
		notes = append(notes, v)
	}
	return Verdict{
		Code:       CodeNotConfigured,
		Applicable: true,
		Message:    "booking is not configured for this option",
		Notes:      notes,
	}
}

var errTimeout = errors.New("condition timed out")

type outcome struct {
	v   Verdict
	err error
}

// run evaluates one condition with a deadline.  Errors, panics and
// timeouts all turn into an evaluation_error hard block.
func (e *Evaluator) run(ctx context.Context, c Condition, s Subject) Verdict {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := c.Evaluate(cctx, s)
		done <- outcome{v: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-cctx.Done():
		res.err = errTimeout
		if ctx.Err() != nil {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		e.logger.Errorf("condition %s on option %d user %d: %v", c.ID(), s.Option.ID, s.UserID, res.err)
		return Verdict{
			Code:        CodeEvaluationError,
			ConditionID: c.ID(),
			Priority:    c.Priority(),
			Applicable:  true,
			HardBlock:   true,
			Message:     "eligibility could not be determined, please try again later",
		}
	}
	v := res.v
	if v.Applicable {
		if v.ConditionID == "" {
			v.ConditionID = c.ID()
		}
		if v.Code == "" {
			v.Code = c.ID()
		}
		v.Priority = c.Priority()
	}
	return v
}
