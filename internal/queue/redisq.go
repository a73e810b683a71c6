// Package queue is the durable job queue. Jobs live in Redis hashes; sorted
// sets order the pending classes and track lease expiry. All transitions are
// Lua scripts, so two workers can never hold a live lease on the same job.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/botq/internal/backoff"
	"github.com/SirClappington/botq/internal/domain"
)

const expiredReason = "lease expired after final attempt"

type RedisQ struct {
	rdb         *r.Client
	keys        keys
	backoff     backoff.Strategy
	maxAttempts int
	now         func() time.Time
}

type Option func(*RedisQ)

// WithPrefix namespaces every key the queue touches.
func WithPrefix(prefix string) Option {
	return func(q *RedisQ) { q.keys = keys{prefix: prefix} }
}

// WithBackoff sets the retry delay strategy used by Fail.
func WithBackoff(s backoff.Strategy) Option {
	return func(q *RedisQ) { q.backoff = s }
}

// WithMaxAttempts sets the retry ceiling for jobs enqueued without one.
func WithMaxAttempts(n int) Option {
	return func(q *RedisQ) { q.maxAttempts = n }
}

// WithClock replaces time.Now, mainly for tests that need to expire leases.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQ) { q.now = now }
}

func New(rdb *r.Client, opts ...Option) *RedisQ {
	q := &RedisQ{
		rdb:         rdb,
		keys:        keys{prefix: "botq:"},
		backoff:     backoff.Default(),
		maxAttempts: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type EnqueueRequest struct {
	Type        domain.Type
	Payload     json.RawMessage
	Priority    domain.Priority
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue validates the request and makes the job visible to workers, after
// Delay if one is set.
func (q *RedisQ) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error) {
	if _, err := domain.DecodePayload(req.Type, req.Payload); err != nil {
		return domain.Job{}, err
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.Valid() {
		return domain.Job{}, &domain.ValidationError{Field: "priority", Reason: "unknown class " + string(req.Priority)}
	}
	if req.MaxAttempts < 0 {
		return domain.Job{}, &domain.ValidationError{Field: "max_attempts", Reason: "must not be negative"}
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = q.maxAttempts
	}
	if req.Delay < 0 {
		req.Delay = 0
	}

	now := q.now().UTC()
	j := domain.Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		State:       domain.Pending,
		EnqueuedAt:  now,
		RunAt:       now.Add(req.Delay),
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keys.job(j.ID), jobToMap(j))
	pipe.ZAdd(ctx, q.keys.pending(j.Priority), r.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Job{}, errors.Wrap(err, "queue: enqueue")
	}
	return j, nil
}

// Lease claims the oldest visible job for workerID for vt. Expired leases
// are reclaimed before pending jobs since they were visible first. It
// returns nil when nothing is available.
func (q *RedisQ) Lease(ctx context.Context, workerID string, vt time.Duration) (*domain.Job, error) {
	now := q.now().UTC()

	ks := []string{q.keys.leased(), q.keys.reaped(), q.keys.terminal()}
	for _, p := range domain.Priorities() {
		ks = append(ks, q.keys.pending(p))
	}

	res, err := leaseScript.Run(ctx, q.rdb, ks,
		ms(now), workerID, ms(now.Add(vt)), q.keys.prefix, expiredReason,
	).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "queue: lease")
	}

	fields, err := pairs(res)
	if err != nil {
		return nil, errors.Wrap(err, "queue: lease")
	}
	j, err := mapToJob(fields)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ExtendLease pushes the lease expiry to now+vt. It fails with
// domain.ErrLeaseExpired once another worker has taken the job over.
func (q *RedisQ) ExtendLease(ctx context.Context, l domain.Lease, vt time.Duration) (domain.Lease, error) {
	expires := q.now().UTC().Add(vt)
	code, err := extendScript.Run(ctx, q.rdb, []string{q.keys.job(l.JobID), q.keys.leased()},
		l.WorkerID, strconv.Itoa(l.Attempt), ms(expires), l.JobID,
	).Int64()
	if err != nil {
		return l, errors.Wrap(err, "queue: extend lease")
	}
	if err := ownership(code, l); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return l, err
		}
		return l, &domain.LeaseExpiredError{JobID: l.JobID, WorkerID: l.WorkerID}
	}
	l.ExpiresAt = expires
	return l, nil
}

// Ack marks the job completed. Acking a job that is already terminal is an
// error (domain.ErrNotFound), as is acking an unknown id.
func (q *RedisQ) Ack(ctx context.Context, l domain.Lease) error {
	code, err := ackScript.Run(ctx, q.rdb,
		[]string{q.keys.job(l.JobID), q.keys.leased(), q.keys.terminal()},
		l.WorkerID, strconv.Itoa(l.Attempt), ms(q.now().UTC()), l.JobID,
	).Int64()
	if err != nil {
		return errors.Wrap(err, "queue: ack")
	}
	return ownership(code, l)
}

// Fail returns the job to pending after a backoff delay while attempts
// remain, and moves it to failed otherwise. It reports the resulting state.
func (q *RedisQ) Fail(ctx context.Context, l domain.Lease, reason string) (domain.State, error) {
	now := q.now().UTC()
	visible := now.Add(q.backoff.Delay(l.Attempt))

	code, err := failScript.Run(ctx, q.rdb,
		[]string{q.keys.job(l.JobID), q.keys.leased(), q.keys.terminal()},
		l.WorkerID, strconv.Itoa(l.Attempt), ms(now), l.JobID, reason, ms(visible), q.keys.prefix,
	).Int64()
	if err != nil {
		return "", errors.Wrap(err, "queue: fail")
	}
	switch code {
	case codeOK:
		return domain.Pending, nil
	case codeFailed:
		return domain.Failed, nil
	}
	return "", ownership(code, l)
}

// Get returns the current record of a job.
func (q *RedisQ) Get(ctx context.Context, id string) (domain.Job, error) {
	vals, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "queue: get")
	}
	if len(vals) == 0 {
		return domain.Job{}, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return mapToJob(vals)
}

// Reap fails expired leases that have no attempts left and returns up to
// batch jobs failed that way whose status has not been closed yet. A job
// stays in every Reap result until Reconciled is called for it.
func (q *RedisQ) Reap(ctx context.Context, batch int) ([]domain.Job, error) {
	ids, err := reapScript.Run(ctx, q.rdb,
		[]string{q.keys.leased(), q.keys.reaped(), q.keys.terminal()},
		ms(q.now().UTC()), q.keys.prefix, batch, expiredReason,
	).StringSlice()
	if err != nil {
		return nil, errors.Wrap(err, "queue: reap")
	}

	var (
		out  = make([]domain.Job, 0, len(ids))
		gone []string
	)
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	if err := q.Reconciled(ctx, gone...); err != nil {
		return out, err
	}
	return out, nil
}

// Reconciled drops ids from the reaped list once their status is closed.
func (q *RedisQ) Reconciled(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LRem(ctx, q.keys.reaped(), 0, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "queue: reconcile reaped")
	}
	return nil
}

// Purge deletes up to batch terminal jobs that finished before cutoff.
func (q *RedisQ) Purge(ctx context.Context, before time.Time, batch int) (int, error) {
	n, err := purgeScript.Run(ctx, q.rdb, []string{q.keys.terminal()},
		ms(before.UTC()), q.keys.prefix, batch,
	).Int()
	if err != nil {
		return 0, errors.Wrap(err, "queue: purge")
	}
	return n, nil
}

func (q *RedisQ) Ping(ctx context.Context) error {
	return errors.Wrap(q.rdb.Ping(ctx).Err(), "queue: ping")
}

func (q *RedisQ) Close() error {
	return q.rdb.Close()
}

func ownership(code int64, l domain.Lease) error {
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return errors.Wrapf(domain.ErrNotFound, "job %s", l.JobID)
	case codeNotOwner:
		return &domain.LeaseExpiredError{JobID: l.JobID, WorkerID: l.WorkerID}
	case codeTerminal:
		return errors.Wrapf(domain.ErrNotFound, "job %s already terminal", l.JobID)
	}
	return errors.Errorf("queue: unexpected script result %d", code)
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func fromMS(v string) *time.Time {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(n).UTC()
	return &t
}

func jobToMap(j domain.Job) map[string]interface{} {
	return map[string]interface{}{
		"id":           j.ID,
		"type":         string(j.Type),
		"payload":      string(j.Payload),
		"priority":     string(j.Priority),
		"attempt":      strconv.Itoa(j.Attempt),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"state":        string(j.State),
		"lease_owner":  j.LeaseOwner,
		"last_error":   j.LastError,
		"run_at":       ms(j.RunAt),
		"enqueued_at":  ms(j.EnqueuedAt),
	}
}

func mapToJob(m map[string]string) (domain.Job, error) {
	if m["id"] == "" {
		return domain.Job{}, errors.New("queue: job record without id")
	}
	attempt, _ := strconv.Atoi(m["attempt"])          //nolint:errcheck // written by this package
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // written by this package

	j := domain.Job{
		ID:             m["id"],
		Type:           domain.Type(m["type"]),
		Payload:        json.RawMessage(m["payload"]),
		Priority:       domain.Priority(m["priority"]),
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		State:          domain.State(m["state"]),
		LeaseOwner:     m["lease_owner"],
		LeaseExpiresAt: fromMS(m["lease_expires_at"]),
		LastError:      m["last_error"],
		LeasedAt:       fromMS(m["leased_at"]),
		CompletedAt:    fromMS(m["completed_at"]),
	}
	if t := fromMS(m["run_at"]); t != nil {
		j.RunAt = *t
	}
	if t := fromMS(m["enqueued_at"]); t != nil {
		j.EnqueuedAt = *t
	}
	return j, nil
}

// pairs turns a flat HGETALL reply from a script into a map.
func pairs(res interface{}) (map[string]string, error) {
	flat, ok := res.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, errors.Errorf("unexpected reply %T", res)
	}
	m := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m, nil
}
