package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
)

type DeleteBotResult struct {
	BotID         string `json:"bot_id"`
	DeletedChunks int64  `json:"deleted_chunks"`
}

// DeleteBot removes every fragment of a bot and then its configuration.
type DeleteBot struct {
	frags FragmentStore
	bots  BotStore
	log   *zap.Logger
}

func NewDeleteBot(frags FragmentStore, bots BotStore, log *zap.Logger) *DeleteBot {
	return &DeleteBot{frags: frags, bots: bots, log: log}
}

func (d *DeleteBot) Type() domain.Type { return domain.TypeDeleteBot }

func (d *DeleteBot) Perform(ctx context.Context, job domain.Job, progress ProgressFunc) (any, error) {
	p, err := decode[domain.DeleteBotPayload](job)
	if err != nil {
		return nil, err
	}

	n, err := d.frags.DeleteFragments(ctx, p.BotID)
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: "postgres", Op: "delete fragments", Err: err}
	}
	progress(50)

	existed, err := d.bots.DeleteBotConfig(ctx, p.BotID)
	if err != nil {
		return nil, &domain.PartialFailureError{
			Step:      "delete bot config",
			Committed: fmt.Sprintf("%d fragments deleted", n),
			Err:       err,
		}
	}
	progress(100)

	d.log.Info("bot deleted",
		zap.String("bot_id", p.BotID),
		zap.Int64("deleted_chunks", n),
		zap.Bool("had_config", existed),
	)
	return DeleteBotResult{BotID: p.BotID, DeletedChunks: n}, nil
}
