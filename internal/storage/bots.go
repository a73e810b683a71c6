package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/botq/internal/domain"
)

// SaveBotConfig upserts the configuration row of a bot.
func (s *Store) SaveBotConfig(ctx context.Context, botID string, cfg domain.BotConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "storage: encode bot config")
	}
	now := s.now().UTC()
	_, err = s.db.Exec(ctx, `
insert into bot_configs (bot_id, config, created_at, updated_at)
values ($1, $2, $3, $3)
on conflict (bot_id) do update set config = excluded.config, updated_at = excluded.updated_at`,
		botID, raw, now)
	return errors.Wrap(err, "storage: save bot config")
}

// GetBotConfig returns domain.ErrNotFound for bots without a configuration.
func (s *Store) GetBotConfig(ctx context.Context, botID string) (domain.BotConfig, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `select config from bot_configs where bot_id = $1`, botID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BotConfig{}, errors.Wrapf(domain.ErrNotFound, "bot %s", botID)
	}
	if err != nil {
		return domain.BotConfig{}, errors.Wrap(err, "storage: get bot config")
	}
	var cfg domain.BotConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.BotConfig{}, errors.Wrapf(err, "storage: decode bot %s config", botID)
	}
	return cfg, nil
}

// DeleteBotConfig removes the configuration row and reports whether one
// existed.
func (s *Store) DeleteBotConfig(ctx context.Context, botID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `delete from bot_configs where bot_id = $1`, botID)
	if err != nil {
		return false, errors.Wrap(err, "storage: delete bot config")
	}
	return tag.RowsAffected() > 0, nil
}
