package domain

import (
	"encoding/json"
	"time"
)

// State is the queue-side lifecycle of a job.
type State string

const (
	Pending   State = "pending"
	Leased    State = "leased"
	Completed State = "completed"
	Failed    State = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// CanTransition reports whether the queue may move a job from s to next.
// The only backwards edge is leased -> pending on retry or lease expiry.
func (s State) CanTransition(next State) bool {
	switch s {
	case Pending:
		return next == Leased
	case Leased:
		return next == Pending || next == Completed || next == Failed
	default:
		return false
	}
}

// Type selects the processor for a job.
type Type string

const (
	TypeGeneration Type = "generation"
	TypeTest       Type = "test"
	TypeIngest     Type = "ingest-document"
	TypeDeleteBot  Type = "delete-bot"
	TypeReEmbedBot Type = "re-embed-bot"
)

// AllTypes returns every job type the system knows about.
func AllTypes() []Type {
	return []Type{TypeGeneration, TypeTest, TypeIngest, TypeDeleteBot, TypeReEmbedBot}
}

// Known reports whether t is one of AllTypes.
func (t Type) Known() bool {
	for _, k := range AllTypes() {
		if t == k {
			return true
		}
	}
	return false
}

// Priority is a FIFO class. Higher classes are leased first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists the classes in lease order.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is a known class.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

type Job struct {
	ID             string
	Type           Type
	Payload        json.RawMessage
	Priority       Priority
	Attempt        int
	MaxAttempts    int
	State          State
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	RunAt          time.Time
	EnqueuedAt     time.Time
	LeasedAt       *time.Time
	CompletedAt    *time.Time
}

// Lease returns the ownership token for the job's current attempt.
func (j Job) Lease() Lease {
	l := Lease{JobID: j.ID, WorkerID: j.LeaseOwner, Attempt: j.Attempt}
	if j.LeaseExpiresAt != nil {
		l.ExpiresAt = *j.LeaseExpiresAt
	}
	return l
}

// Lease ties a job attempt to one worker. Attempt doubles as the fencing
// token: a write carrying an older attempt than the store has seen is stale.
type Lease struct {
	JobID     string
	WorkerID  string
	Attempt   int
	ExpiresAt time.Time
}
