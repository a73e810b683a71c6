package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/SirClappington/botq/internal/domain"
)

// InsertFragments stores frags in one transaction and returns how many rows
// were written.
func (s *Store) InsertFragments(ctx context.Context, frags []domain.Fragment) (int, error) {
	if len(frags) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "storage: begin insert fragments")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	b := &pgx.Batch{}
	for _, f := range frags {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return 0, errors.Wrap(err, "storage: encode fragment metadata")
		}
		var emb any
		if len(f.Embedding) > 0 {
			emb = pgvector.NewVector(f.Embedding)
		}
		b.Queue(`insert into documents (bot_id, document_id, content, metadata, embedding)
values ($1, $2, $3, $4, $5)`, f.BotID, f.DocumentID, f.Content, meta, emb)
	}

	br := tx.SendBatch(ctx, b)
	for range frags {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, errors.Wrap(err, "storage: insert fragment")
		}
	}
	if err := br.Close(); err != nil {
		return 0, errors.Wrap(err, "storage: insert fragments")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "storage: commit fragments")
	}
	return len(frags), nil
}

// DeleteFragments removes every fragment of a bot and returns the count.
func (s *Store) DeleteFragments(ctx context.Context, botID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from documents where bot_id = $1`, botID)
	if err != nil {
		return 0, errors.Wrap(err, "storage: delete fragments")
	}
	return tag.RowsAffected(), nil
}

// ListFragments returns the fragments of a bot in insertion order, without
// their embeddings.
func (s *Store) ListFragments(ctx context.Context, botID string) ([]domain.Fragment, error) {
	rows, err := s.db.Query(ctx, `
select id, bot_id, document_id, content, metadata
  from documents where bot_id = $1 order by id`, botID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list fragments")
	}
	defer rows.Close()

	var out []domain.Fragment
	for rows.Next() {
		var (
			f    domain.Fragment
			meta []byte
		)
		if err := rows.Scan(&f.ID, &f.BotID, &f.DocumentID, &f.Content, &meta); err != nil {
			return nil, errors.Wrap(err, "storage: scan fragment")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &f.Metadata); err != nil {
				return nil, errors.Wrapf(err, "storage: fragment %d metadata", f.ID)
			}
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "storage: list fragments")
}

// UpdateEmbedding replaces the vector of one fragment.
func (s *Store) UpdateEmbedding(ctx context.Context, id int64, embedding []float32) error {
	tag, err := s.db.Exec(ctx, `update documents set embedding = $2 where id = $1`,
		id, pgvector.NewVector(embedding))
	if err != nil {
		return errors.Wrapf(err, "storage: update embedding %d", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "fragment %d", id)
	}
	return nil
}
