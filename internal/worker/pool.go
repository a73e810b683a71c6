// Package worker runs the execution slots that lease jobs from the queue,
// dispatch them to processors and record their outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/botq/internal/domain"
	"github.com/SirClappington/botq/internal/processor"
	"github.com/SirClappington/botq/internal/status"
)

// writeTimeout bounds each queue or status write made on behalf of a job.
const writeTimeout = 10 * time.Second

// Queue is the subset of the job queue a pool needs.
type Queue interface {
	Lease(ctx context.Context, workerID string, vt time.Duration) (*domain.Job, error)
	ExtendLease(ctx context.Context, l domain.Lease, vt time.Duration) (domain.Lease, error)
	Ack(ctx context.Context, l domain.Lease) error
	Fail(ctx context.Context, l domain.Lease, reason string) (domain.State, error)
}

// Pool runs a fixed number of slots. Each slot leases one job at a time;
// a limiter shared by all slots caps how fast the pool leases.
type Pool struct {
	queue    Queue
	status   status.Store
	registry *processor.Registry
	log      *zap.Logger

	workerID    string
	concurrency int
	vt          time.Duration
	pollMin     time.Duration
	pollMax     time.Duration
	limiter     *rate.Limiter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]*run
}

type run struct {
	cancel    context.CancelFunc
	abandoned atomic.Bool
}

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithVisibilityTimeout sets the lease duration. Leases are extended every
// third of it while a job runs.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(p *Pool) { p.vt = d }
}

// WithLeaseRate allows at most n leases per window across all slots. n <= 0
// disables the limit.
func WithLeaseRate(n int, window time.Duration) Option {
	return func(p *Pool) {
		if n <= 0 || window <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
	}
}

// WithPollInterval sets the idle polling bounds. An idle slot starts at min
// and doubles its wait up to max until it leases a job.
func WithPollInterval(lo, hi time.Duration) Option {
	return func(p *Pool) { p.pollMin, p.pollMax = lo, hi }
}

func WithWorkerID(id string) Option {
	return func(p *Pool) { p.workerID = id }
}

func NewPool(q Queue, st status.Store, reg *processor.Registry, log *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		queue:       q,
		status:      st,
		registry:    reg,
		workerID:    uuid.NewString(),
		concurrency: 5,
		vt:          time.Minute,
		pollMin:     100 * time.Millisecond,
		pollMax:     2 * time.Second,
		active:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = log.With(zap.String("component", "worker"), zap.String("worker_id", p.workerID))
	return p
}

func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the slots and returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.log.Info("worker pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Duration("visibility_timeout", p.vt),
	)
	for i := range p.concurrency {
		p.wg.Add(1)
		go p.slot(fmt.Sprintf("%s/%d", p.workerID, i))
	}
}

// Stop stops leasing and waits for in-flight jobs. When ctx ends first the
// remaining jobs are abandoned: they are cancelled without any queue or
// status write, and their leases expire so another worker can retry them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	p.log.Info("worker pool draining", zap.Int("in_flight", p.InFlight()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
	}

	n := p.abandonAll()
	<-done
	p.log.Warn("drain timed out, jobs abandoned", zap.Int("abandoned", n))
	return errors.Wrapf(ctx.Err(), "worker: abandoned %d jobs", n)
}

// InFlight returns the number of jobs currently executing.
func (p *Pool) InFlight() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *Pool) slot(owner string) {
	defer p.wg.Done()

	idle := p.pollMin
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		job, err := p.queue.Lease(ctx, owner, p.vt)
		cancel()
		if err != nil {
			p.log.Error("lease failed", zap.Error(err))
		}
		if job == nil {
			p.sleep(idle)
			idle = min(idle*2, p.pollMax)
			continue
		}

		idle = p.pollMin
		p.execute(*job)
	}
}

func (p *Pool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	}
}

func (p *Pool) execute(job domain.Job) {
	l := job.Lease()
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempt),
		zap.String("lease_owner", l.WorkerID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rn := &run{cancel: cancel}
	p.track(job.ID, rn)
	defer p.untrack(job.ID)

	rec := domain.StatusRecord{
		JobID:   job.ID,
		BotID:   domain.BotIDOf(job.Type, job.Payload),
		Type:    job.Type,
		Attempt: job.Attempt,
	}
	st := &starter{store: p.status, rec: rec}
	if err := st.ensure(ctx); err != nil {
		if errors.Is(err, domain.ErrLeaseExpired) {
			log.Warn("a newer attempt owns the status record, dropping job")
			return
		}
		log.Error("status start failed, will retry", zap.Error(err))
	}
	log.Debug("job started")

	var lost atomic.Bool
	markLost := func() {
		if !lost.Swap(true) {
			cancel()
		}
	}

	stopKeepalive := make(chan struct{})
	var kwg sync.WaitGroup
	kwg.Add(1)
	go func() {
		defer kwg.Done()
		p.keepalive(ctx, l, stopKeepalive, markLost, log)
	}()

	prog := newProgress(func(pct int) {
		if err := st.ensure(ctx); err != nil {
			if errors.Is(err, domain.ErrLeaseExpired) {
				log.Warn("status start rejected, attempt superseded")
				markLost()
			} else if ctx.Err() == nil {
				log.Warn("status start failed, progress dropped", zap.Int("progress", pct), zap.Error(err))
			}
			return
		}
		err := p.status.Progress(ctx, job.ID, job.Attempt, pct)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLeaseExpired):
			log.Warn("progress rejected, attempt superseded")
			markLost()
		case ctx.Err() == nil:
			log.Warn("progress write failed", zap.Int("progress", pct), zap.Error(err))
		}
	})

	result, perr := p.perform(ctx, job, prog.report)
	close(stopKeepalive)
	kwg.Wait()

	if rn.abandoned.Load() {
		log.Warn("job abandoned during shutdown")
		return
	}
	if lost.Load() {
		log.Warn("lease lost, discarding outcome", zap.NamedError("outcome", perr))
		return
	}

	wctx, wcancel := context.WithTimeout(context.Background(), writeTimeout)
	defer wcancel()

	// Fencing: re-assert ownership before writing the outcome.
	if _, err := p.queue.ExtendLease(wctx, l, p.vt); err != nil {
		log.Warn("ownership check failed, discarding outcome", zap.Error(err), zap.NamedError("outcome", perr))
		return
	}

	// Outcome writes need the row to exist; the queue stays authoritative
	// either way.
	if err := st.ensure(wctx); err != nil {
		log.Error("status start failed", zap.Error(err))
	}

	var raw []byte
	if perr == nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			perr = errors.Wrap(err, "encode result")
		}
	}

	if perr == nil {
		if err := p.status.Complete(wctx, job.ID, job.Attempt, raw); err != nil {
			log.Error("status complete failed", zap.Error(err))
		}
		if err := p.queue.Ack(wctx, l); err != nil {
			log.Error("ack failed", zap.Error(err))
			return
		}
		log.Info("job completed")
		return
	}

	if err := p.status.Fail(wctx, job.ID, job.Attempt, perr.Error()); err != nil {
		log.Error("status fail failed", zap.Error(err))
	}
	state, err := p.queue.Fail(wctx, l, perr.Error())
	if err != nil {
		log.Error("queue fail failed", zap.Error(err), zap.NamedError("outcome", perr))
		return
	}
	var pe *domain.PanicError
	if errors.As(perr, &pe) {
		log.Error("processor panicked", zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))
	}
	if state == domain.Failed {
		log.Error("job failed", zap.Error(perr))
		return
	}
	log.Warn("job failed, will retry", zap.Error(perr))
}

// perform dispatches the job and turns a processor panic into an error.
func (p *Pool) perform(ctx context.Context, job domain.Job, report processor.ProgressFunc) (res any, err error) {
	defer func() {
		if v := recover(); v != nil {
			res, err = nil, &domain.PanicError{Value: v, Stack: debug.Stack()}
		}
	}()

	proc, err := p.registry.Lookup(job.Type)
	if err != nil {
		return nil, err
	}
	return proc.Perform(ctx, job, report)
}

// keepalive extends the lease every third of the visibility timeout until
// stop is closed. Losing ownership calls lost.
func (p *Pool) keepalive(ctx context.Context, l domain.Lease, stop <-chan struct{}, lost func(), log *zap.Logger) {
	interval := max(p.vt/3, 10*time.Millisecond)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}

		_, err := p.queue.ExtendLease(ctx, l, p.vt)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLeaseExpired), errors.Is(err, domain.ErrNotFound):
			log.Warn("lease lost while running", zap.Error(err))
			lost()
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warn("lease extension failed", zap.Error(err))
		}
	}
}

// starter writes the processing record for an attempt once. A transient
// failure is retried on the next ensure; only the store's own fencing
// rejection is reported as ErrLeaseExpired.
type starter struct {
	mu    sync.Mutex
	done  bool
	store status.Store
	rec   domain.StatusRecord
}

func (s *starter) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if err := s.store.Start(ctx, s.rec); err != nil {
		return err
	}
	s.done = true
	return nil
}

func (p *Pool) track(id string, rn *run) {
	p.activeMu.Lock()
	p.active[id] = rn
	p.activeMu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}

func (p *Pool) abandonAll() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for id, rn := range p.active {
		rn.abandoned.Store(true)
		rn.cancel()
		p.log.Warn("abandoning job", zap.String("job_id", id))
	}
	return len(p.active)
}
