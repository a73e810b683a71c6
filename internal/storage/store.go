// Package storage is the Postgres side of botq: job status records,
// indexed document fragments with their vectors, and bot configurations.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db, now: time.Now} }

// Open connects a pool to dsn and verifies it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "storage: connect")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage: ping")
	}
	return New(db), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "storage: ping")
}

func (s *Store) Close() { s.db.Close() }
