// Package condition implements the ordered eligibility chain consulted
// before any booking transition.  Conditions are side-effect free
// predicates over an option snapshot, a user and a request-scoped Context.
// The Evaluator walks them in ascending priority and reduces the walk to a
// single authoritative Verdict.
package condition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/option-booking/internal/model"
)

// Verdict codes produced outside of any single condition.
const (
	CodeNotConfigured   = "not_configured"
	CodeEvaluationError = "evaluation_error"
)

// Verdict is the result of evaluating one condition.  The evaluator
// returns the terminal verdict of the walk with the soft verdicts it passed
// on the way collected in Notes.
type Verdict struct {
	Code        string    `json:"code"`
	ConditionID string    `json:"condition_id,omitempty"`
	Priority    int       `json:"priority"`
	Allowed     bool      `json:"allowed"`
	Applicable  bool      `json:"applicable"`
	HardBlock   bool      `json:"hard_block"`
	Message     string    `json:"message,omitempty"`
	Notes       []Verdict `json:"notes,omitempty"`
}

// Blocked reports whether the verdict forbids the booking.
func (v Verdict) Blocked() bool { return !v.Allowed }

// NotApplicable is the verdict a condition returns when it has nothing to
// say about the subject.
func NotApplicable() Verdict { return Verdict{} }

// Condition is one eligibility predicate.  Implementations must not reserve
// or write anything; they only read through the subject's Context.
type Condition interface {
	ID() string
	Priority() int
	Evaluate(ctx context.Context, s Subject) (Verdict, error)
}

// Facts is the read-only view of the store conditions consult.
type Facts interface {
	IsBanned(ctx context.Context, userID uint64) (bool, error)
	IsEnrolled(ctx context.Context, userID, contextID uint64) (bool, error)
	// Answer returns the user's answer on the option or nil.
	Answer(ctx context.Context, optionID, userID uint64) (*model.Answer, error)
	// Counts returns the booked and waitlisted totals of the option.
	Counts(ctx context.Context, optionID uint64) (booked, waitlisted int, err error)
}

// Subject is what a condition is evaluated against.
type Subject struct {
	Option model.Option
	UserID uint64
	Ctx    *Context
}

// Context carries the request-scoped state of one evaluation pass: the
// acting user, the clock reading and a memo of store lookups so that
// several conditions asking the same question hit the store once.
type Context struct {
	Actor          model.Actor
	Now            time.Time
	WaitlistFactor int

	facts Facts
	mu    sync.Mutex
	memo  map[string]any
}

// NewContext returns a fresh request context.  A zero now means time.Now.
func NewContext(facts Facts, actor model.Actor, now time.Time) *Context {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &Context{Actor: actor, Now: now, WaitlistFactor: 1, facts: facts, memo: make(map[string]any)}
}

// Memo returns the cached value under key or computes and caches it.
// Errors are not cached.
func (c *Context) Memo(key string, fn func() (any, error)) (any, error) {
	c.mu.Lock()
	if v, ok := c.memo[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()
	v, err := fn()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.memo[key] = v
	c.mu.Unlock()
	return v, nil
}

// Forget drops every memoized lookup.  The coordinator calls it before a
// re-evaluation so that the second pass sees fresh counts.
func (c *Context) Forget() {
	c.mu.Lock()
	c.memo = make(map[string]any)
	c.mu.Unlock()
}

func (c *Context) Banned(ctx context.Context, userID uint64) (bool, error) {
	v, err := c.Memo(fmt.Sprintf("banned:%d", userID), func() (any, error) {
		return c.facts.IsBanned(ctx, userID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Context) Enrolled(ctx context.Context, userID, contextID uint64) (bool, error) {
	v, err := c.Memo(fmt.Sprintf("enrolled:%d:%d", userID, contextID), func() (any, error) {
		return c.facts.IsEnrolled(ctx, userID, contextID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Context) Answer(ctx context.Context, optionID, userID uint64) (*model.Answer, error) {
	v, err := c.Memo(fmt.Sprintf("answer:%d:%d", optionID, userID), func() (any, error) {
		return c.facts.Answer(ctx, optionID, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Answer), nil
}

type counts struct{ booked, waitlisted int }

func (c *Context) Counts(ctx context.Context, optionID uint64) (booked, waitlisted int, err error) {
	v, err := c.Memo(fmt.Sprintf("counts:%d", optionID), func() (any, error) {
		b, w, err := c.facts.Counts(ctx, optionID)
		return counts{b, w}, err
	})
	if err != nil {
		return 0, 0, err
	}
	cs := v.(counts)
	return cs.booked, cs.waitlisted, nil
}
