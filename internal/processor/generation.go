package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
)

const EventBotGenerated = "bot.generated"

// Manifest describes the workflow a generated bot runs with. It is sent to
// subscribers with the bot.generated event.
type Manifest struct {
	BotID          string `json:"bot_id"`
	ProjectName    string `json:"project_name"`
	ChatModel      string `json:"chat_model"`
	EmbeddingModel string `json:"embedding_model"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
}

type GenerationResult struct {
	BotID   string `json:"bot_id"`
	Success bool   `json:"success"`
}

// Generation validates and stores a bot configuration, then announces the
// bot's workflow manifest.
type Generation struct {
	bots   BotStore
	events Publisher
	log    *zap.Logger
	now    func() time.Time
}

func NewGeneration(bots BotStore, events Publisher, log *zap.Logger) *Generation {
	return &Generation{bots: bots, events: events, log: log, now: time.Now}
}

func (g *Generation) Type() domain.Type { return domain.TypeGeneration }

func (g *Generation) Perform(ctx context.Context, job domain.Job, progress ProgressFunc) (any, error) {
	p, err := decode[domain.GenerationPayload](job)
	if err != nil {
		return nil, err
	}
	log := g.log.With(zap.String("bot_id", p.BotID))

	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	progress(10)

	if err := g.bots.SaveBotConfig(ctx, p.BotID, p.Config); err != nil {
		return nil, &domain.ExternalServiceError{Service: "postgres", Op: "save bot config", Err: err}
	}
	progress(30)
	log.Debug("bot config saved")

	m := Manifest{
		BotID:          p.BotID,
		ProjectName:    p.Config.ProjectName,
		ChatModel:      p.Config.OpenAIModel,
		EmbeddingModel: p.Config.EmbeddingModel,
		SystemPrompt:   p.Config.SystemPrompt,
		DocumentID:     p.Config.DocumentID,
	}
	progress(60)

	ev := Event{Name: EventBotGenerated, JobID: job.ID, BotID: p.BotID, At: g.now().UTC(), Data: m}
	if err := g.events.Publish(ctx, ev); err != nil {
		return nil, err
	}
	progress(100)
	log.Info("bot generated", zap.String("project", m.ProjectName))

	return GenerationResult{BotID: p.BotID, Success: true}, nil
}
