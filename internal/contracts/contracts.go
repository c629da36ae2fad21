package contracts

import "time"

// TaskSnapshot is the scanner's read model of a task at scan time. It is
// captured once per tick and never mutated afterwards.
type TaskSnapshot struct {
	TaskID       string     `json:"task_id"`
	OwnerUserID  string     `json:"owner_user_id"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	LastModified time.Time  `json:"last_modified"`
}

// Task status values as stored and reported.
const (
	StatusOpen = "open"
	StatusDone = "done"
)

// ReportEvent is published by task-scanner and consumed by digest-mailer.
// Exactly one event per (owner, topic) per scanner tick; the owner id is
// the partitioning key, so events for one owner arrive in publish order.
type ReportEvent struct {
	EventID     string         `json:"event_id"`
	Topic       string         `json:"topic"`
	OwnerUserID string         `json:"owner_user_id"`
	OwnerEmail  string         `json:"owner_email"`
	Tasks       []TaskSnapshot `json:"tasks"`
	GeneratedAt time.Time      `json:"generated_at"`
	ScannerTick int64          `json:"scanner_tick"`
}

// TaskChange is published by command-api on every task mutation and pushed
// by notify-streamer to the owner's live sessions.
type TaskChange struct {
	ChangeID    string        `json:"change_id"`
	OwnerUserID string        `json:"owner_user_id"`
	ChangeType  string        `json:"change_type"`
	Task        TaskSnapshot  `json:"task"`
	Previous    *TaskSnapshot `json:"previous,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// Change types carried by TaskChange.
const (
	ChangeCreated   = "task.created"
	ChangeUpdated   = "task.updated"
	ChangeCompleted = "task.completed"
	ChangeDeleted   = "task.deleted"
)

// DigestDocument is built by digest-mailer from one ReportEvent and handed
// to the mail transport. It is consumed once and not persisted.
type DigestDocument struct {
	RecipientAddress string
	ReportKind       string
	Tasks            []TaskSnapshot
	GeneratedAt      time.Time
}
