package processor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
	"github.com/SirClappington/botq/internal/rag"
)

type IngestResult struct {
	BotID      string `json:"bot_id"`
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}

// Ingest loads an uploaded document, splits and embeds it, stores the
// fragments and removes the upload.
type Ingest struct {
	frags    FragmentStore
	embedder Embedder
	splitter *rag.Splitter
	load     func(path string) (string, error)
	log      *zap.Logger
	now      func() time.Time
}

func NewIngest(frags FragmentStore, embedder Embedder, splitter *rag.Splitter, log *zap.Logger) *Ingest {
	return &Ingest{
		frags:    frags,
		embedder: embedder,
		splitter: splitter,
		load:     rag.Load,
		log:      log,
		now:      time.Now,
	}
}

func (in *Ingest) Type() domain.Type { return domain.TypeIngest }

func (in *Ingest) Perform(ctx context.Context, job domain.Job, progress ProgressFunc) (any, error) {
	p, err := decode[domain.IngestPayload](job)
	if err != nil {
		return nil, err
	}
	log := in.log.With(zap.String("bot_id", p.BotID), zap.String("document_id", p.DocumentID))

	text, err := in.load(p.FilePath)
	if err != nil {
		return nil, err
	}
	progress(20)

	chunks, err := in.splitter.Split(text)
	if err != nil {
		return nil, err
	}
	progress(40)
	log.Info("document split", zap.Int("chunks", len(chunks)))

	vecs, err := in.embedder.Embed(ctx, chunks)
	if err != nil {
		return nil, err
	}
	progress(80)

	ingestedAt := in.now().UTC().Format(time.RFC3339)
	source := filepath.Base(p.FilePath)
	frags := make([]domain.Fragment, len(chunks))
	for i, c := range chunks {
		frags[i] = domain.Fragment{
			BotID:      p.BotID,
			DocumentID: p.DocumentID,
			Content:    c,
			Embedding:  vecs[i],
			Metadata: map[string]any{
				"bot_id":      p.BotID,
				"document_id": p.DocumentID,
				"ingested_at": ingestedAt,
				"source":      source,
			},
		}
	}
	n, err := in.frags.InsertFragments(ctx, frags)
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: "postgres", Op: "insert fragments", Err: err}
	}
	progress(100)

	if err := os.Remove(p.FilePath); err != nil {
		log.Warn("could not remove ingested file", zap.String("path", p.FilePath), zap.Error(err))
	}
	return IngestResult{BotID: p.BotID, DocumentID: p.DocumentID, Chunks: n}, nil
}
