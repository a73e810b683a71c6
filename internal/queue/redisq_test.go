package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/botq/internal/backoff"
	"github.com/SirClappington/botq/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T, opts ...Option) (*RedisQ, *clock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now), WithBackoff(backoff.Constant{Interval: time.Second})}, opts...)
	return New(rdb, opts...), c
}

func deleteBot(t *testing.T, q *RedisQ, botID string) domain.Job {
	t.Helper()

	j, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:    domain.TypeDeleteBot,
		Payload: json.RawMessage(fmt.Sprintf(`{"bot_id":%q}`, botID)),
	})
	require.NoError(t, err)
	return j
}

func TestRedisQ_Enqueue(t *testing.T) {
	q, _ := newQueue(t, WithMaxAttempts(4))

	j := deleteBot(t, q, "B1")

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.Pending, j.State)
	assert.Equal(t, 0, j.Attempt)
	assert.Equal(t, 4, j.MaxAttempts)
	assert.Equal(t, domain.PriorityNormal, j.Priority)

	got, err := q.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, domain.Pending, got.State)
	assert.JSONEq(t, `{"bot_id":"B1"}`, string(got.Payload))
}

func TestRedisQ_EnqueueRejectsInvalid(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{Type: "bake-cake", Payload: json.RawMessage(`{"bot_id":"B1"}`)})
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = q.Enqueue(ctx, EnqueueRequest{Type: domain.TypeIngest, Payload: json.RawMessage(`{"bot_id":"B1"}`)})
	assert.True(t, errors.As(err, &verr))

	_, err = q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.TypeDeleteBot,
		Payload:  json.RawMessage(`{"bot_id":"B1"}`),
		Priority: "urgent",
	})
	assert.True(t, errors.As(err, &verr))
}

func TestRedisQ_LeaseEmpty(t *testing.T) {
	q, _ := newQueue(t)

	j, err := q.Lease(context.Background(), "w1", time.Minute)

	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestRedisQ_LeaseOrdersByPriorityThenAge(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	first := deleteBot(t, q, "B1")
	c.Advance(time.Millisecond)
	second := deleteBot(t, q, "B2")
	c.Advance(time.Millisecond)
	urgent, err := q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.TypeReEmbedBot,
		Payload:  json.RawMessage(`{"bot_id":"B3"}`),
		Priority: domain.PriorityHigh,
	})
	require.NoError(t, err)

	var order []string
	for range 3 {
		j, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j)
		order = append(order, j.ID)
	}

	assert.Equal(t, []string{urgent.ID, first.ID, second.ID}, order)
}

func TestRedisQ_LeaseSetsOwnership(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	deleteBot(t, q, "B1")

	j, err := q.Lease(ctx, "w1", 30*time.Second)

	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, domain.Leased, j.State)
	assert.Equal(t, 1, j.Attempt)
	assert.Equal(t, "w1", j.LeaseOwner)
	require.NotNil(t, j.LeasedAt)
	assert.Equal(t, c.Now(), *j.LeasedAt)
	require.NotNil(t, j.LeaseExpiresAt)
	assert.Equal(t, c.Now().Add(30*time.Second), *j.LeaseExpiresAt)

	again, err := q.Lease(ctx, "w2", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again, "a live lease must not be handed out twice")
}

func TestRedisQ_DelayedJobNotVisibleEarly(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueRequest{
		Type:    domain.TypeDeleteBot,
		Payload: json.RawMessage(`{"bot_id":"B1"}`),
		Delay:   10 * time.Second,
	})
	require.NoError(t, err)

	j, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j)

	c.Advance(10 * time.Second)
	j, err = q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestRedisQ_ConcurrentLeaseIsExclusive(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	const jobs = 40
	for i := range jobs {
		deleteBot(t, q, fmt.Sprintf("B%d", i))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		dups []string
		wg   sync.WaitGroup
	)
	for w := range 8 {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, err := q.Lease(ctx, worker, time.Minute)
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				if _, ok := seen[j.ID]; ok {
					dups = append(dups, j.ID)
				}
				seen[j.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Empty(t, dups)
	assert.Len(t, seen, jobs)
}

func TestRedisQ_Ack(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	deleteBot(t, q, "B1")
	j, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, j.Lease()))

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, got.State)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.LeaseExpiresAt)

	err = q.Ack(ctx, j.Lease())
	assert.True(t, errors.Is(err, domain.ErrNotFound), "second ack must fail consistently")

	err = q.Ack(ctx, domain.Lease{JobID: "missing", WorkerID: "w1", Attempt: 1})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRedisQ_AckByWrongOwner(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	deleteBot(t, q, "B1")
	j, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	l := j.Lease()
	l.WorkerID = "w2"
	err = q.Ack(ctx, l)

	assert.True(t, errors.Is(err, domain.ErrLeaseExpired))
}

func TestRedisQ_FailRetriesThenTerminal(t *testing.T) {
	q, c := newQueue(t, WithMaxAttempts(2))
	ctx := context.Background()
	job := deleteBot(t, q, "B1")

	j, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	state, err := q.Fail(ctx, j.Lease(), "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, state)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.State)
	assert.Equal(t, "boom", got.LastError)

	again, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "retry waits for the backoff delay")

	c.Advance(time.Second)
	j, err = q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, job.ID, j.ID)
	assert.Equal(t, 2, j.Attempt)

	state, err = q.Fail(ctx, j.Lease(), "boom again")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, state)

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.State)
	assert.Equal(t, "boom again", got.LastError)

	c.Advance(time.Hour)
	none, err := q.Lease(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "failed jobs never reappear")
}

func TestRedisQ_StatesFollowLifecycle(t *testing.T) {
	q, c := newQueue(t, WithMaxAttempts(3))
	ctx := context.Background()
	job := deleteBot(t, q, "B1")

	var trail []domain.State
	observe := func() {
		got, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		trail = append(trail, got.State)
	}
	observe()

	j, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	observe()
	_, err = q.Fail(ctx, j.Lease(), "boom")
	require.NoError(t, err)
	observe()

	c.Advance(time.Second)
	j, err = q.Lease(ctx, "w1", 10*time.Second)
	require.NoError(t, err)
	observe()

	c.Advance(11 * time.Second)
	j, err = q.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	observe()
	require.NoError(t, q.Ack(ctx, j.Lease()))
	observe()

	assert.Equal(t, []domain.State{domain.Pending, domain.Leased, domain.Pending, domain.Leased, domain.Leased, domain.Completed}, trail)
	for i := 1; i < len(trail); i++ {
		if trail[i] == trail[i-1] {
			continue // re-lease after expiry
		}
		assert.True(t, trail[i-1].CanTransition(trail[i]), "%s -> %s", trail[i-1], trail[i])
	}
	assert.True(t, trail[len(trail)-1].Terminal())
}

func TestRedisQ_ExpiredLeaseIsReassigned(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	job := deleteBot(t, q, "B1")

	first, err := q.Lease(ctx, "w1", 10*time.Second)
	require.NoError(t, err)

	c.Advance(11 * time.Second)
	second, err := q.Lease(ctx, "w2", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, job.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, "w2", second.LeaseOwner)

	_, err = q.ExtendLease(ctx, first.Lease(), 10*time.Second)
	assert.True(t, errors.Is(err, domain.ErrLeaseExpired))
	assert.True(t, errors.Is(q.Ack(ctx, first.Lease()), domain.ErrLeaseExpired))
	_, err = q.Fail(ctx, first.Lease(), "late")
	assert.True(t, errors.Is(err, domain.ErrLeaseExpired))

	require.NoError(t, q.Ack(ctx, second.Lease()))
}

func TestRedisQ_ExtendLease(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	deleteBot(t, q, "B1")
	j, err := q.Lease(ctx, "w1", 10*time.Second)
	require.NoError(t, err)

	c.Advance(8 * time.Second)
	l, err := q.ExtendLease(ctx, j.Lease(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(10*time.Second), l.ExpiresAt)

	c.Advance(8 * time.Second)
	none, err := q.Lease(ctx, "w2", 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none, "extended lease is still live")
}

func TestRedisQ_ExtendAfterExpiryWithoutTakeover(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	deleteBot(t, q, "B1")
	j, err := q.Lease(ctx, "w1", 10*time.Second)
	require.NoError(t, err)

	c.Advance(20 * time.Second)
	_, err = q.ExtendLease(ctx, j.Lease(), 10*time.Second)

	assert.NoError(t, err, "nobody reassigned the job, so the owner keeps it")
}

func TestRedisQ_ExhaustedExpiredLeaseFails(t *testing.T) {
	q, c := newQueue(t, WithMaxAttempts(1))
	ctx := context.Background()
	job := deleteBot(t, q, "B1")

	j, err := q.Lease(ctx, "w1", 10*time.Second)
	require.NoError(t, err)
	c.Advance(11 * time.Second)

	none, err := q.Lease(ctx, "w2", 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.State)
	assert.Equal(t, 1, got.Attempt)

	reaped, err := q.Reap(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, job.ID, reaped[0].ID)

	assert.True(t, errors.Is(q.Ack(ctx, j.Lease()), domain.ErrLeaseExpired))

	reaped, err = q.Reap(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reaped, 1, "stays listed until reconciled")

	require.NoError(t, q.Reconciled(ctx, job.ID))
	reaped, err = q.Reap(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestRedisQ_ReapSkipsPurgedJobs(t *testing.T) {
	q, c := newQueue(t, WithMaxAttempts(1))
	ctx := context.Background()
	deleteBot(t, q, "B1")

	_, err := q.Lease(ctx, "w1", 10*time.Second)
	require.NoError(t, err)
	c.Advance(11 * time.Second)

	reaped, err := q.Reap(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reaped, 1)

	c.Advance(time.Hour)
	n, err := q.Purge(ctx, c.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reaped, err = q.Reap(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestRedisQ_ReapWithoutLease(t *testing.T) {
	q, c := newQueue(t, WithMaxAttempts(1))
	ctx := context.Background()
	job := deleteBot(t, q, "B1")
	other := deleteBot(t, q, "B2")

	_, err := q.Lease(ctx, "w1", 10*time.Second)
	require.NoError(t, err)
	c.Advance(11 * time.Second)

	reaped, err := q.Reap(ctx, 10)

	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, job.ID, reaped[0].ID)
	assert.Equal(t, domain.Failed, reaped[0].State)

	got, err := q.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.State)
}

func TestRedisQ_Purge(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	done := deleteBot(t, q, "B1")
	waiting := deleteBot(t, q, "B2")

	j, err := q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, done.ID, j.ID)
	require.NoError(t, q.Ack(ctx, j.Lease()))

	c.Advance(2 * time.Hour)
	n, err := q.Purge(ctx, c.Now().Add(-time.Hour), 100)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = q.Get(ctx, done.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = q.Get(ctx, waiting.ID)
	assert.NoError(t, err)
}
