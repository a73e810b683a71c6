// Package maintenance runs the periodic upkeep a queue needs beyond what
// workers do on their own: closing the status of jobs whose final lease
// expired, and deleting terminal jobs and status records past retention.
// Only one process in a deployment does this at a time.
package maintenance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/botq/internal/domain"
)

const batchSize = 500

type Queue interface {
	Reap(ctx context.Context, batch int) ([]domain.Job, error)
	Reconciled(ctx context.Context, ids ...string) error
	Purge(ctx context.Context, before time.Time, batch int) (int, error)
}

type StatusStore interface {
	Abandon(ctx context.Context, rec domain.StatusRecord) error
}

// StatusPurger is implemented by status stores that expire old records.
type StatusPurger interface {
	PurgeStatus(ctx context.Context, before time.Time) (int64, error)
}

// Elector decides which process runs maintenance.
type Elector interface {
	// Elect reports whether this process leads, acquiring leadership when
	// it is free.
	Elect(ctx context.Context) (bool, error)
	Resign(ctx context.Context) error
}

type Maintainer struct {
	queue     Queue
	status    StatusStore
	elector   Elector
	log       *zap.Logger
	tick      time.Duration
	retention time.Duration
	now       func() time.Time
	leading   bool
}

func New(q Queue, st StatusStore, el Elector, log *zap.Logger, tick, retention time.Duration) *Maintainer {
	return &Maintainer{
		queue:     q,
		status:    st,
		elector:   el,
		log:       log.With(zap.String("component", "maintenance")),
		tick:      tick,
		retention: retention,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled, doing the work only while leading.
func (m *Maintainer) Run(ctx context.Context) error {
	t := time.NewTicker(m.tick)
	defer t.Stop()
	defer m.resign()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		ok, err := m.elector.Elect(ctx)
		if err != nil {
			m.log.Error("leader election failed", zap.Error(err))
		}
		if ok != m.leading {
			m.leading = ok
			m.log.Info("leadership changed", zap.Bool("leader", ok))
		}
		if !ok {
			continue
		}
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("maintenance tick failed", zap.Error(err))
		}
	}
}

// Tick runs one round of reaping and purging.
func (m *Maintainer) Tick(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.reap(gctx) })
	g.Go(func() error { return m.purge(gctx) })
	return g.Wait()
}

// reap closes the status of every job failed by lease expiry. A job leaves
// the reaped list only after its status write is accepted, so a failed write
// is retried on the next tick.
func (m *Maintainer) reap(ctx context.Context) error {
	for {
		jobs, err := m.queue.Reap(ctx, batchSize)
		if err != nil {
			return err
		}

		closed := make([]string, 0, len(jobs))
		for _, j := range jobs {
			rec := domain.StatusRecord{
				JobID:   j.ID,
				BotID:   domain.BotIDOf(j.Type, j.Payload),
				Type:    j.Type,
				Attempt: j.Attempt,
				Error:   j.LastError,
			}
			err := m.status.Abandon(ctx, rec)
			switch {
			case err == nil:
				m.log.Warn("job failed after final lease expired", zap.String("job_id", j.ID), zap.Int("attempt", j.Attempt))
				closed = append(closed, j.ID)
			case errors.Is(err, domain.ErrLeaseExpired):
				// status already terminal
				closed = append(closed, j.ID)
			default:
				m.log.Error("could not close status of reaped job", zap.String("job_id", j.ID), zap.Error(err))
			}
		}
		if err := m.queue.Reconciled(ctx, closed...); err != nil {
			return err
		}
		if len(jobs) < batchSize || len(closed) < len(jobs) {
			return nil
		}
	}
}

func (m *Maintainer) purge(ctx context.Context) error {
	cutoff := m.now().Add(-m.retention)
	total := 0
	for {
		n, err := m.queue.Purge(ctx, cutoff, batchSize)
		if err != nil {
			return err
		}
		total += n
		if n < batchSize {
			break
		}
	}

	var rows int64
	if p, ok := m.status.(StatusPurger); ok {
		var err error
		if rows, err = p.PurgeStatus(ctx, cutoff); err != nil {
			return err
		}
	}
	if total > 0 || rows > 0 {
		m.log.Info("purged expired jobs", zap.Int("jobs", total), zap.Int64("status_records", rows))
	}
	return nil
}

func (m *Maintainer) resign() {
	if !m.leading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.elector.Resign(ctx); err != nil {
		m.log.Warn("resign failed", zap.Error(err))
	}
	m.leading = false
}
