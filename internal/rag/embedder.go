package rag

import (
	"context"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/SirClappington/botq/internal/domain"
)

// maxBatch caps the inputs sent in one embeddings request.
const maxBatch = 512

// OpenAIEmbedder computes vectors through the OpenAI embeddings endpoint, or
// any API compatible with it when a base URL is set.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	batch  int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(model),
		batch:  maxBatch,
	}
}

// Embed returns one vector per text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batch {
		end := min(start+e.batch, len(texts))
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: e.model,
		})
		if err != nil {
			return nil, &domain.ExternalServiceError{Service: "openai", Op: "embeddings", Err: err}
		}
		if len(resp.Data) != end-start {
			return nil, &domain.ExternalServiceError{
				Service: "openai",
				Op:      "embeddings",
				Err:     errors.Errorf("got %d vectors for %d inputs", len(resp.Data), end-start),
			}
		}

		batch := make([][]float32, end-start)
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, &domain.ExternalServiceError{
					Service: "openai",
					Op:      "embeddings",
					Err:     errors.Errorf("vector index %d out of range", d.Index),
				}
			}
			batch[d.Index] = d.Embedding
		}
		out = append(out, batch...)
	}
	return out, nil
}
