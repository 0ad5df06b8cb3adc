package model

import "time"

// WorkItemStatus tracks a revalidation work item through the task table.
type WorkItemStatus string

const (
	WorkPending   WorkItemStatus = "PENDING"
	WorkRunning   WorkItemStatus = "RUNNING"
	WorkDone      WorkItemStatus = "DONE"
	WorkCancelled WorkItemStatus = "CANCELLED"
	WorkFailed    WorkItemStatus = "FAILED"
)

// WorkItem is one deferred revalidation of an option's standing answers.
// UserID 0 targets every standing answer of the option.  Flag, when set,
// names a setting that must still be enabled when the item runs.
type WorkItem struct {
	ID          string         `json:"id"`
	OptionID    uint64         `json:"option_id"`
	UserID      uint64         `json:"user_id"`
	CheckIDs    []string       `json:"check_ids"`
	ActionID    string         `json:"action_id"`
	Flag        string         `json:"flag,omitempty"`
	DedupeKey   string         `json:"dedupe_key"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      WorkItemStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LeaseUntil  *time.Time     `json:"lease_until,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// AuditOutcome values recorded for revalidation results.
const (
	OutcomeRetracted    = "retracted"
	OutcomeSkipped      = "skipped"
	OutcomeReported     = "reported"
	OutcomeActionFailed = "action_failed"
	OutcomeCheckError   = "check_error"
)

// AuditEntry records what revalidation did to one answer.
type AuditEntry struct {
	ID         uint64    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	OptionID   uint64    `json:"option_id"`
	UserID     uint64    `json:"user_id"`
	CheckID    string    `json:"check_id"`
	ActionID   string    `json:"action_id"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
