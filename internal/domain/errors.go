package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned for unknown job ids and for operations on
	// jobs that already reached a terminal state.
	ErrNotFound = errors.New("not found")

	// ErrLeaseExpired is returned when a worker no longer owns a job.
	ErrLeaseExpired = errors.New("lease expired")
)

// ValidationError rejects a malformed job at enqueue time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job: " + e.Reason
	}
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

// UnknownJobTypeError means no processor is registered for a job type.
type UnknownJobTypeError struct {
	Type Type
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type %q", string(e.Type))
}

// LeaseExpiredError carries the job and worker that lost ownership.
type LeaseExpiredError struct {
	JobID    string
	WorkerID string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease on job %s no longer held by %s", e.JobID, e.WorkerID)
}

func (e *LeaseExpiredError) Unwrap() error { return ErrLeaseExpired }

// ExternalServiceError wraps a failed call to a collaborator. The job is
// retried by the queue until its attempts are exhausted.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// PartialFailureError reports a multi-step operation that committed some
// steps before failing.
type PartialFailureError struct {
	Step      string
	Committed string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("step %q failed after committing %s: %v", e.Step, e.Committed, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// PanicError is a recovered processor panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panic: %v", e.Value)
}
