package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/botq/internal/domain"
)

// Status writes are fenced by attempt. A record only moves forward to a
// higher attempt, and only the current attempt may update a processing
// record. A rejected write returns domain.ErrLeaseExpired.

// Start upserts the record as processing for rec.Attempt. Repeating it for
// the attempt that is already processing keeps the row as it is.
func (s *Store) Start(ctx context.Context, rec domain.StatusRecord) error {
	now := s.now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	tag, err := s.db.Exec(ctx, `
insert into job_status (job_id, bot_id, job_type, status, progress, attempt, started_at, updated_at)
values ($1, $2, $3, 'processing', 0, $4, $5, $6)
on conflict (job_id) do update set
    bot_id = excluded.bot_id,
    job_type = excluded.job_type,
    status = 'processing',
    progress = case when job_status.attempt = excluded.attempt then job_status.progress else 0 end,
    attempt = excluded.attempt,
    started_at = case when job_status.attempt = excluded.attempt then job_status.started_at else excluded.started_at end,
    completed_at = null,
    result = null,
    error = null,
    updated_at = excluded.updated_at
where job_status.attempt < excluded.attempt
   or (job_status.attempt = excluded.attempt and job_status.status = 'processing')`,
		rec.JobID, rec.BotID, string(rec.Type), rec.Attempt, rec.StartedAt, now)
	if err != nil {
		return errors.Wrap(err, "storage: start status")
	}
	return fenced(tag.RowsAffected(), rec.JobID)
}

// Progress raises the progress of the current attempt. Lower values are
// ignored so progress never goes backwards.
func (s *Store) Progress(ctx context.Context, jobID string, attempt, pct int) error {
	tag, err := s.db.Exec(ctx, `
update job_status set progress = greatest(progress, $3), updated_at = $4
 where job_id = $1 and attempt = $2 and status = 'processing'`,
		jobID, attempt, pct, s.now().UTC())
	if err != nil {
		return errors.Wrap(err, "storage: progress")
	}
	return fenced(tag.RowsAffected(), jobID)
}

// Complete closes the current attempt with a result.
func (s *Store) Complete(ctx context.Context, jobID string, attempt int, result json.RawMessage) error {
	now := s.now().UTC()
	tag, err := s.db.Exec(ctx, `
update job_status
   set status = 'completed', progress = 100, result = $3, completed_at = $4, updated_at = $4
 where job_id = $1 and attempt = $2 and status = 'processing'`,
		jobID, attempt, nullJSON(result), now)
	if err != nil {
		return errors.Wrap(err, "storage: complete status")
	}
	return fenced(tag.RowsAffected(), jobID)
}

// Fail closes the current attempt with an error message.
func (s *Store) Fail(ctx context.Context, jobID string, attempt int, msg string) error {
	now := s.now().UTC()
	tag, err := s.db.Exec(ctx, `
update job_status
   set status = 'failed', error = $3, completed_at = $4, updated_at = $4
 where job_id = $1 and attempt = $2 and status = 'processing'`,
		jobID, attempt, msg, now)
	if err != nil {
		return errors.Wrap(err, "storage: fail status")
	}
	return fenced(tag.RowsAffected(), jobID)
}

// Abandon records a job the queue failed on its own, typically because its
// final lease expired. It creates the record when the worker never wrote one.
func (s *Store) Abandon(ctx context.Context, rec domain.StatusRecord) error {
	now := s.now().UTC()
	tag, err := s.db.Exec(ctx, `
insert into job_status (job_id, bot_id, job_type, status, progress, attempt, started_at, completed_at, error, updated_at)
values ($1, $2, $3, 'failed', 0, $4, $5, $5, $6, $5)
on conflict (job_id) do update set
    status = 'failed',
    attempt = excluded.attempt,
    completed_at = excluded.completed_at,
    error = excluded.error,
    updated_at = excluded.updated_at
where job_status.attempt < excluded.attempt
   or (job_status.attempt = excluded.attempt and job_status.status = 'processing')`,
		rec.JobID, rec.BotID, string(rec.Type), rec.Attempt, now, rec.Error)
	if err != nil {
		return errors.Wrap(err, "storage: abandon status")
	}
	return fenced(tag.RowsAffected(), rec.JobID)
}

// Get returns the status record of a job.
func (s *Store) Get(ctx context.Context, jobID string) (domain.StatusRecord, error) {
	var (
		rec     domain.StatusRecord
		typ     string
		status  string
		result  []byte
		errText *string
	)
	err := s.db.QueryRow(ctx, `
select job_id, bot_id, job_type, status, progress, attempt, started_at, completed_at, result, error, updated_at
  from job_status where job_id = $1`, jobID).Scan(
		&rec.JobID, &rec.BotID, &typ, &status, &rec.Progress, &rec.Attempt,
		&rec.StartedAt, &rec.CompletedAt, &result, &errText, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StatusRecord{}, errors.Wrapf(domain.ErrNotFound, "status %s", jobID)
	}
	if err != nil {
		return domain.StatusRecord{}, errors.Wrap(err, "storage: get status")
	}
	rec.Type = domain.Type(typ)
	rec.Status = domain.Status(status)
	rec.Result = result
	if errText != nil {
		rec.Error = *errText
	}
	return rec, nil
}

// PurgeStatus deletes terminal records that completed before cutoff.
func (s *Store) PurgeStatus(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
delete from job_status where status in ('completed', 'failed') and completed_at < $1`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "storage: purge status")
	}
	return tag.RowsAffected(), nil
}

func fenced(rows int64, jobID string) error {
	if rows == 0 {
		return errors.Wrapf(domain.ErrLeaseExpired, "status %s: stale attempt", jobID)
	}
	return nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
