package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Lock is a session-level advisory lock pinned to one pooled connection.
type Lock struct {
	conn *pgxpool.Conn
	id   int64
}

// TryLock attempts pg_try_advisory_lock(id) without waiting. It returns nil
// when another session holds the lock.
func (s *Store) TryLock(ctx context.Context, id int64) (*Lock, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "storage: acquire lock conn")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "storage: try advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, nil
	}
	return &Lock{conn: conn, id: id}, nil
}

// Alive checks that the session holding the lock is still connected.
func (l *Lock) Alive(ctx context.Context) error {
	return errors.Wrap(l.conn.Ping(ctx), "storage: lock conn")
}

// Release unlocks and returns the connection to the pool.
func (l *Lock) Release(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.id)
	return errors.Wrap(err, "storage: advisory unlock")
}
