package processor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	nextID  int64
	frags   []domain.Fragment
	configs map[string]domain.BotConfig

	deleteConfigErr error
	updateFails     map[int64]bool
}

func newMemStore() *memStore {
	return &memStore{configs: map[string]domain.BotConfig{}, updateFails: map[int64]bool{}}
}

func (m *memStore) InsertFragments(_ context.Context, frags []domain.Fragment) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frags {
		m.nextID++
		f.ID = m.nextID
		m.frags = append(m.frags, f)
	}
	return len(frags), nil
}

func (m *memStore) DeleteFragments(_ context.Context, botID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		kept []domain.Fragment
		n    int64
	)
	for _, f := range m.frags {
		if f.BotID == botID {
			n++
			continue
		}
		kept = append(kept, f)
	}
	m.frags = kept
	return n, nil
}

func (m *memStore) ListFragments(_ context.Context, botID string) ([]domain.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Fragment
	for _, f := range m.frags {
		if f.BotID == botID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) UpdateEmbedding(_ context.Context, id int64, emb []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateFails[id] {
		return errors.Errorf("update %d: connection reset", id)
	}
	for i := range m.frags {
		if m.frags[i].ID == id {
			m.frags[i].Embedding = emb
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "fragment %d", id)
}

func (m *memStore) SaveBotConfig(_ context.Context, botID string, cfg domain.BotConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[botID] = cfg
	return nil
}

func (m *memStore) GetBotConfig(_ context.Context, botID string) (domain.BotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[botID]
	if !ok {
		return domain.BotConfig{}, errors.Wrapf(domain.ErrNotFound, "bot %s", botID)
	}
	return cfg, nil
}

func (m *memStore) DeleteBotConfig(_ context.Context, botID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteConfigErr != nil {
		return false, m.deleteConfigErr
	}
	_, ok := m.configs[botID]
	delete(m.configs, botID)
	return ok, nil
}

// lenEmbedder returns a one-dimensional vector holding the text length.
type lenEmbedder struct {
	calls int
	err   error
}

func (e *lenEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type progressLog []int

func (p *progressLog) report(pct int) { *p = append(*p, pct) }

func jobFor(t *testing.T, typ domain.Type, payload any) domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Job{ID: "job-" + strings.ReplaceAll(string(typ), "-", ""), Type: typ, Payload: raw, Attempt: 1, MaxAttempts: 3}
}

func nopLog() *zap.Logger { return zap.NewNop() }
