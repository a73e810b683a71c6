package processor

import (
	"context"
	"time"

	"github.com/SirClappington/botq/internal/domain"
)

// FragmentStore persists indexed document fragments.
type FragmentStore interface {
	InsertFragments(ctx context.Context, frags []domain.Fragment) (int, error)
	DeleteFragments(ctx context.Context, botID string) (int64, error)
	ListFragments(ctx context.Context, botID string) ([]domain.Fragment, error)
	UpdateEmbedding(ctx context.Context, id int64, embedding []float32) error
}

// BotStore persists bot configurations.
type BotStore interface {
	SaveBotConfig(ctx context.Context, botID string, cfg domain.BotConfig) error
	GetBotConfig(ctx context.Context, botID string) (domain.BotConfig, error)
	DeleteBotConfig(ctx context.Context, botID string) (bool, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Event is published after a bot-level job finishes its work.
type Event struct {
	Name  string    `json:"event"`
	JobID string    `json:"job_id"`
	BotID string    `json:"bot_id"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
