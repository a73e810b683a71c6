package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/botq/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	require.NoError(t, Migrate(dsn))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStatus_Fencing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	rec := domain.StatusRecord{JobID: id, BotID: "B1", Type: domain.TypeGeneration, Attempt: 1}
	require.NoError(t, s.Start(ctx, rec))
	require.NoError(t, s.Progress(ctx, id, 1, 40))
	require.NoError(t, s.Progress(ctx, id, 1, 20))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	// attempt 2 takes over; attempt 1 can no longer write
	rec.Attempt = 2
	require.NoError(t, s.Start(ctx, rec))
	err = s.Complete(ctx, id, 1, json.RawMessage(`{"ok":true}`))
	assert.True(t, errors.Is(err, domain.ErrLeaseExpired))

	require.NoError(t, s.Complete(ctx, id, 2, json.RawMessage(`{"ok":true}`)))
	err = s.Fail(ctx, id, 2, "late")
	assert.True(t, errors.Is(err, domain.ErrLeaseExpired))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	rec.Attempt = 1
	assert.True(t, errors.Is(s.Start(ctx, rec), domain.ErrLeaseExpired))
}

func TestStatus_RestartSameAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	rec := domain.StatusRecord{JobID: id, Type: domain.TypeIngest, Attempt: 1}
	require.NoError(t, s.Start(ctx, rec))
	require.NoError(t, s.Progress(ctx, id, 1, 40))
	require.NoError(t, s.Start(ctx, rec))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 40, got.Progress)

	require.NoError(t, s.Fail(ctx, id, 1, "boom"))
	assert.True(t, errors.Is(s.Start(ctx, rec), domain.ErrLeaseExpired))
}

func TestStatus_Abandon(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fresh := uuid.NewString()
	require.NoError(t, s.Abandon(ctx, domain.StatusRecord{JobID: fresh, Type: domain.TypeTest, Attempt: 3, Error: "lease expired"}))
	got, err := s.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	stuck := uuid.NewString()
	require.NoError(t, s.Start(ctx, domain.StatusRecord{JobID: stuck, Type: domain.TypeTest, Attempt: 3}))
	require.NoError(t, s.Abandon(ctx, domain.StatusRecord{JobID: stuck, Type: domain.TypeTest, Attempt: 3, Error: "lease expired"}))
	got, err = s.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "lease expired", got.Error)

	_, err = s.Get(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestFragments_AndBotConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	bot := "bot-" + uuid.NewString()

	n, err := s.InsertFragments(ctx, []domain.Fragment{
		{BotID: bot, DocumentID: "d1", Content: "one", Metadata: map[string]any{"source": "a.txt"}, Embedding: []float32{1, 0, 0}},
		{BotID: bot, DocumentID: "d1", Content: "two", Embedding: []float32{0, 1, 0}},
		{BotID: bot, DocumentID: "d1", Content: "three"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	frags, err := s.ListFragments(ctx, bot)
	require.NoError(t, err)
	require.Len(t, frags, 3)
	assert.Equal(t, "a.txt", frags[0].Metadata["source"])
	require.NoError(t, s.UpdateEmbedding(ctx, frags[2].ID, []float32{0, 0, 1}))

	require.NoError(t, s.SaveBotConfig(ctx, bot, domain.BotConfig{ProjectName: "p", OpenAIModel: "m", EmbeddingModel: "e"}))
	cfg, err := s.GetBotConfig(ctx, bot)
	require.NoError(t, err)
	assert.Equal(t, "p", cfg.ProjectName)

	deleted, err := s.DeleteFragments(ctx, bot)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	existed, err := s.DeleteBotConfig(ctx, bot)
	require.NoError(t, err)
	assert.True(t, existed)
	_, err = s.GetBotConfig(ctx, bot)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTryLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := time.Now().UnixNano()

	l, err := s.TryLock(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, l)

	other, err := s.TryLock(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, l.Release(ctx))
	again, err := s.TryLock(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.NoError(t, again.Release(ctx))
}
