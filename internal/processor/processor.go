// Package processor holds the handlers for each job type and the registry
// the worker pool dispatches through.
package processor

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/SirClappington/botq/internal/domain"
)

// ProgressFunc reports completion percent of the running attempt.
type ProgressFunc func(pct int)

// Processor handles one job type.
type Processor interface {
	// Type returns the job type this processor handles.
	Type() domain.Type

	// Perform runs the job and returns its result, which must marshal to
	// JSON. The job's payload has already passed validation at enqueue.
	Perform(ctx context.Context, job domain.Job, progress ProgressFunc) (any, error)
}

// Registry maps job types to processors. It is populated once at startup and
// read concurrently afterwards.
type Registry struct {
	procs map[domain.Type]Processor
}

func NewRegistry(procs ...Processor) *Registry {
	r := &Registry{procs: make(map[domain.Type]Processor, len(procs))}
	for _, p := range procs {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any processor already bound to its type.
func (r *Registry) Register(p Processor) {
	r.procs[p.Type()] = p
}

func (r *Registry) Lookup(t domain.Type) (Processor, error) {
	p, ok := r.procs[t]
	if !ok {
		return nil, &domain.UnknownJobTypeError{Type: t}
	}
	return p, nil
}

// Require fails unless every type in types has a processor.
func (r *Registry) Require(types ...domain.Type) error {
	var missing []string
	for _, t := range types {
		if _, ok := r.procs[t]; !ok {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf("processor: no handler registered for %s", strings.Join(missing, ", "))
	}
	return nil
}

// decode re-reads a job's payload into its typed form.
func decode[T any](job domain.Job) (*T, error) {
	p, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, err
	}
	out, ok := p.(*T)
	if !ok {
		return nil, errors.Errorf("processor: %s payload decoded as %T", job.Type, p)
	}
	return out, nil
}
