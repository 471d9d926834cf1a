// Package embedding implements the external embedding-provider contract:
// embed(text) -> dense vector of fixed dimension D, plus a health check.
// Request timeouts are applied here, on the caller's side of the
// contract; a failed call is returned as an error and not retried.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/ratelimit"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var log = logging.GetLogger("embedding")

// Provider is the interface core components depend on. The HTTP client
// below is the default implementation; tests substitute their own.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	HealthCheck(ctx context.Context) error
	Dimension() int
}

// Client talks to an Ollama-compatible embeddings endpoint.
type Client struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	enabled    bool
}

// NewClient builds a Client from configuration. An optional limiter
// shapes outbound call rate; nil disables shaping.
func NewClient(cfg config.EmbeddingConfig, limiter *ratelimit.Limiter) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Client{
		baseURL:    baseURL,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		enabled:    cfg.Enabled,
	}
}

// Dimension returns the configured embedding dimension D.
func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for text. The returned vector always has
// the configured dimension; a provider response of any other length is
// an InvalidData error so a bad model configuration cannot poison the
// memories table.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.enabled {
		return nil, memerr.New(memerr.InvalidRequest, "embedding provider disabled")
	}
	if text == "" {
		return nil, memerr.New(memerr.InvalidRequest, "cannot embed empty text")
	}

	if c.limiter != nil {
		res := c.limiter.Allow("embed")
		if !res.Allowed {
			select {
			case <-time.After(res.RetryAfter):
			case <-ctx.Done():
				return nil, memerr.Wrap(memerr.OperationTimeout, "embedding call canceled while rate limited", ctx.Err())
			}
		}
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, memerr.Wrap(memerr.InvalidData, "encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, memerr.Wrap(memerr.InvalidRequest, "build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, memerr.Wrap(memerr.Database, "embedding provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, memerr.Newf(memerr.Database, "embedding provider returned %d: %s", resp.StatusCode, string(raw))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, memerr.Wrap(memerr.InvalidData, "decode embedding response", err)
	}

	if c.dimension > 0 && len(decoded.Embedding) != c.dimension {
		return nil, memerr.Newf(memerr.InvalidData, "embedding dimension mismatch: got %d, want %d", len(decoded.Embedding), c.dimension)
	}

	out := make([]float32, len(decoded.Embedding))
	for i, v := range decoded.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// HealthCheck verifies the provider answers at all. Used at startup and
// by the doctor command.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.enabled {
		return memerr.New(memerr.InvalidRequest, "embedding provider disabled")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return memerr.Wrap(memerr.Database, "embedding provider health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return memerr.Newf(memerr.Database, "embedding provider health check returned %d", resp.StatusCode)
	}
	log.Debug("embedding provider healthy", "base_url", c.baseURL, "model", c.model)
	return nil
}

// CosineSimilarity computes the cosine similarity between two vectors,
// returning 0 for mismatched or empty inputs. Shared by the harvester's
// recent-pattern dedup and the assessment pipeline's stage 2.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
