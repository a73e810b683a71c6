// Package status defines the Status Store contract and an in-process
// implementation used in development and tests. The Postgres store in
// internal/storage satisfies the same interface.
package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/botq/internal/domain"
)

// Store records job progress and outcome. Writers pass the attempt they
// hold; writes from an older attempt, or against a record the same attempt
// already closed, fail with domain.ErrLeaseExpired.
type Store interface {
	Start(ctx context.Context, rec domain.StatusRecord) error
	Progress(ctx context.Context, jobID string, attempt, pct int) error
	Complete(ctx context.Context, jobID string, attempt int, result json.RawMessage) error
	Fail(ctx context.Context, jobID string, attempt int, msg string) error
	Abandon(ctx context.Context, rec domain.StatusRecord) error
	Get(ctx context.Context, jobID string) (domain.StatusRecord, error)
}

// Memory is a mutex-guarded map implementation of Store.
type Memory struct {
	mu   sync.Mutex
	recs map[string]domain.StatusRecord
	now  func() time.Time

	// writes counts accepted terminal writes per job.
	writes map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		recs:   make(map[string]domain.StatusRecord),
		writes: make(map[string]int),
		now:    time.Now,
	}
}

func (m *Memory) Start(_ context.Context, rec domain.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.recs[rec.JobID]; ok {
		switch {
		case cur.Attempt == rec.Attempt && !cur.Terminal():
			return nil
		case cur.Attempt >= rec.Attempt:
			return stale(rec.JobID)
		}
	}
	now := m.now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.Status = domain.StatusProcessing
	rec.Progress = 0
	rec.CompletedAt = nil
	rec.Result = nil
	rec.Error = ""
	rec.UpdatedAt = now
	m.recs[rec.JobID] = rec
	return nil
}

func (m *Memory) Progress(_ context.Context, jobID string, attempt, pct int) error {
	return m.update(jobID, attempt, func(r *domain.StatusRecord) {
		if pct > r.Progress {
			r.Progress = pct
		}
	})
}

func (m *Memory) Complete(_ context.Context, jobID string, attempt int, result json.RawMessage) error {
	return m.update(jobID, attempt, func(r *domain.StatusRecord) {
		now := m.now().UTC()
		r.Status = domain.StatusCompleted
		r.Progress = 100
		r.Result = append(json.RawMessage(nil), result...)
		r.CompletedAt = &now
		m.writes[jobID]++
	})
}

func (m *Memory) Fail(_ context.Context, jobID string, attempt int, msg string) error {
	return m.update(jobID, attempt, func(r *domain.StatusRecord) {
		now := m.now().UTC()
		r.Status = domain.StatusFailed
		r.Error = msg
		r.CompletedAt = &now
		m.writes[jobID]++
	})
}

func (m *Memory) Abandon(_ context.Context, rec domain.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	cur, ok := m.recs[rec.JobID]
	switch {
	case !ok:
		rec.StartedAt = now
	case cur.Attempt < rec.Attempt || (cur.Attempt == rec.Attempt && !cur.Terminal()):
		cur.Attempt = rec.Attempt
		cur.Error = rec.Error
		rec = cur
	default:
		return stale(rec.JobID)
	}
	rec.Status = domain.StatusFailed
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	m.recs[rec.JobID] = rec
	m.writes[rec.JobID]++
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (domain.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[jobID]
	if !ok {
		return domain.StatusRecord{}, errors.Wrapf(domain.ErrNotFound, "status %s", jobID)
	}
	return rec, nil
}

// TerminalWrites reports how many completed or failed writes were accepted
// for a job.
func (m *Memory) TerminalWrites(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[jobID]
}

func (m *Memory) update(jobID string, attempt int, fn func(*domain.StatusRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[jobID]
	if !ok || rec.Attempt != attempt || rec.Terminal() {
		return stale(jobID)
	}
	fn(&rec)
	rec.UpdatedAt = m.now().UTC()
	m.recs[jobID] = rec
	return nil
}

func stale(jobID string) error {
	return errors.Wrapf(domain.ErrLeaseExpired, "status %s: stale attempt", jobID)
}
