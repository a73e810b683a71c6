package processor

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
)

type ReEmbedResult struct {
	BotID     string `json:"bot_id"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Message   string `json:"message,omitempty"`
}

// ReEmbed recomputes the vector of every fragment of a bot one at a time.
// A fragment that fails is logged and skipped.
type ReEmbed struct {
	frags    FragmentStore
	embedder Embedder
	log      *zap.Logger
}

func NewReEmbed(frags FragmentStore, embedder Embedder, log *zap.Logger) *ReEmbed {
	return &ReEmbed{frags: frags, embedder: embedder, log: log}
}

func (re *ReEmbed) Type() domain.Type { return domain.TypeReEmbedBot }

func (re *ReEmbed) Perform(ctx context.Context, job domain.Job, progress ProgressFunc) (any, error) {
	p, err := decode[domain.ReEmbedPayload](job)
	if err != nil {
		return nil, err
	}
	log := re.log.With(zap.String("bot_id", p.BotID))

	frags, err := re.frags.ListFragments(ctx, p.BotID)
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: "postgres", Op: "list fragments", Err: err}
	}
	if len(frags) == 0 {
		progress(100)
		return ReEmbedResult{BotID: p.BotID, Message: "no fragments found to re-embed"}, nil
	}

	res := ReEmbedResult{BotID: p.BotID}
	for i, f := range frags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := re.one(ctx, f); err != nil {
			res.Skipped++
			log.Error("fragment skipped", zap.Int64("fragment_id", f.ID), zap.Error(err))
		} else {
			res.Processed++
		}
		progress((i + 1) * 100 / len(frags))
	}
	log.Info("bot re-embedded", zap.Int("processed", res.Processed), zap.Int("skipped", res.Skipped))
	return res, nil
}

func (re *ReEmbed) one(ctx context.Context, f domain.Fragment) error {
	if strings.TrimSpace(f.Content) == "" {
		return errors.New("empty content")
	}
	vecs, err := re.embedder.Embed(ctx, []string{f.Content})
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return errors.Errorf("embedder returned %d vectors", len(vecs))
	}
	return re.frags.UpdateEmbedding(ctx, f.ID, vecs[0])
}
