package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/botq/internal/domain"
)

func TestSplitter_ShortTextIsOneChunk(t *testing.T) {
	s := NewSplitter(1000, 200)
	chunks, err := s.Split("hello world")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello world"}, chunks)

	chunks, err = s.Split("")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitter_RespectsSizeAndOverlap(t *testing.T) {
	s := NewSplitter(10, 4)
	chunks, err := s.Split("aaa bbb ccc ddd eee")
	require.NoError(t, err)

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10, c)
	}
	assert.Equal(t, []string{"aaa bbb", "bbb ccc", "ccc ddd", "ddd eee"}, chunks)
}

func TestSplitter_PrefersParagraphs(t *testing.T) {
	s := NewSplitter(20, 0)
	chunks, err := s.Split("first paragraph\n\nsecond paragraph")
	require.NoError(t, err)
	assert.Equal(t, []string{"first paragraph", "second paragraph"}, chunks)
}

func TestSplitter_FallsBackToCharacters(t *testing.T) {
	s := NewSplitter(4, 0)
	chunks, err := s.Split("abcdefghij")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
}

func TestLoad_Text(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("some notes"), 0o600))

	text, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "some notes", text)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "gone.pdf"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func fakeEmbeddings(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"unavailable","type":"server_error"}}`))
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		// reversed to check results are placed by index
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = item{Object: "embedding", Embedding: []float32{float32(len(req.Input[j]))}, Index: j}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "test"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := fakeEmbeddings(t, http.StatusOK)
	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "text-embedding-3-small")
	e.batch = 2

	vecs, err := e.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}, {3}}, vecs)
}

func TestOpenAIEmbedder_ServiceError(t *testing.T) {
	srv := fakeEmbeddings(t, http.StatusBadRequest)
	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "text-embedding-3-small")

	_, err := e.Embed(context.Background(), []string{"a"})
	var ext *domain.ExternalServiceError
	require.True(t, errors.As(err, &ext), "got %v", err)
	assert.Equal(t, "openai", ext.Service)
}
