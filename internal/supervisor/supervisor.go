// Package supervisor owns the worker process lifecycle: it checks the
// backends, runs the pool until asked to stop, drains it and closes every
// connection.
package supervisor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/botq/internal/domain"
	"github.com/SirClappington/botq/internal/processor"
)

const pingTimeout = 5 * time.Second

// Pool is the part of worker.Pool the supervisor drives.
type Pool interface {
	Start()
	Stop(ctx context.Context) error
	InFlight() int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type dependency struct {
	name  string
	ping  Pinger
	close func() error
}

type Supervisor struct {
	pool     Pool
	registry *processor.Registry
	deps     []dependency
	drain    time.Duration
	log      *zap.Logger
}

type Option func(*Supervisor)

// WithDependency registers a backend that must answer a ping before the
// pool starts. closer, if not nil, runs after the pool has stopped.
func WithDependency(name string, p Pinger, closer func() error) Option {
	return func(s *Supervisor) { s.deps = append(s.deps, dependency{name: name, ping: p, close: closer}) }
}

func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.drain = d }
}

func New(pool Pool, reg *processor.Registry, log *zap.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		pool:     pool,
		registry: reg,
		drain:    30 * time.Second,
		log:      log.With(zap.String("component", "supervisor")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled. It returns an error only when startup
// fails; a drain that times out abandons its jobs and still counts as a
// clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.closeAll()

	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.registry.Require(domain.AllTypes()...); err != nil {
		return err
	}

	s.pool.Start()
	s.log.Info("supervisor running")

	<-ctx.Done()
	s.log.Info("shutdown requested", zap.Int("in_flight", s.pool.InFlight()), zap.Duration("drain_timeout", s.drain))

	dctx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()
	if err := s.pool.Stop(dctx); err != nil {
		s.log.Warn("drain incomplete", zap.Error(err))
	}
	return nil
}

// check pings every dependency concurrently.
func (s *Supervisor) check(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range s.deps {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, pingTimeout)
			defer cancel()
			if err := d.ping.Ping(pctx); err != nil {
				return errors.Wrapf(err, "supervisor: %s unreachable", d.name)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) closeAll() {
	for i := len(s.deps) - 1; i >= 0; i-- {
		d := s.deps[i]
		if d.close == nil {
			continue
		}
		if err := d.close(); err != nil {
			s.log.Warn("close failed", zap.String("dependency", d.name), zap.Error(err))
		}
	}
}
