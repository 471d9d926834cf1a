package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

func testServer(t *testing.T, embedding []float64, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": embedding})
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(srv *httptest.Server, dim int) *Client {
	return NewClient(config.EmbeddingConfig{
		Enabled:   true,
		BaseURL:   srv.URL,
		Model:     "nomic-embed-text",
		Dimension: dim,
		TimeoutMs: 1000,
	}, nil)
}

func TestEmbed(t *testing.T) {
	srv := testServer(t, []float64{0.1, 0.2, 0.3}, http.StatusOK)
	c := clientFor(srv, 3)

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := testServer(t, []float64{0.1, 0.2}, http.StatusOK)
	c := clientFor(srv, 3)

	_, err := c.Embed(context.Background(), "hello")
	assert.True(t, memerr.Is(err, memerr.InvalidData))
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	srv := testServer(t, nil, http.StatusOK)
	c := clientFor(srv, 3)

	_, err := c.Embed(context.Background(), "")
	assert.True(t, memerr.Is(err, memerr.InvalidRequest))
}

func TestEmbedDisabledProvider(t *testing.T) {
	c := NewClient(config.EmbeddingConfig{Enabled: false}, nil)
	_, err := c.Embed(context.Background(), "hello")
	assert.True(t, memerr.Is(err, memerr.InvalidRequest))
}

func TestEmbedServerError(t *testing.T) {
	srv := testServer(t, nil, http.StatusInternalServerError)
	c := clientFor(srv, 3)

	_, err := c.Embed(context.Background(), "hello")
	assert.True(t, memerr.Is(err, memerr.Database))
}

func TestHealthCheck(t *testing.T) {
	srv := testServer(t, nil, http.StatusOK)
	c := clientFor(srv, 3)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}
