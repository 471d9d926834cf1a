// Package assessment implements the three-stage importance assessment
// pipeline: regex patterns, semantic similarity against reference
// embeddings (with a TTL cache), and an external model score behind a
// circuit breaker. Each stage only runs when the previous one is not
// confident enough.
package assessment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sync"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/embedding"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// ModelScorer is the external stage-3 collaborator: it returns an
// importance score in [0,1] for a piece of content.
type ModelScorer interface {
	Score(ctx context.Context, content string) (float64, error)
}

// referencePattern pairs a regex with the importance it implies.
type referencePattern struct {
	re    *regexp.Regexp
	score float64
}

// stage1Patterns are importance cues strong enough to decide without
// touching the embedding provider.
var stage1Patterns = []referencePattern{
	{regexp.MustCompile(`(?i)critical|urgent|important|must not forget`), 0.9},
	{regexp.MustCompile(`(?i)password|credential|secret|key`), 0.85},
	{regexp.MustCompile(`(?i)deadline|due date|appointment|meeting at`), 0.8},
	{regexp.MustCompile(`(?i)my name is|I was born|my birthday`), 0.75},
	{regexp.MustCompile(`(?i)I decided|final decision|we agreed`), 0.7},
	{regexp.MustCompile(`(?i)phone number|address|email`), 0.65},
}

// referenceTexts pairs canonical high-importance statements with scores;
// stage 2 embeds these once and compares candidates against them.
var referenceTexts = []struct {
	text  string
	score float64
}{
	{"This is a critical fact about the user that must be remembered permanently.", 0.9},
	{"The user made an important decision that affects future work.", 0.8},
	{"A personal preference the user expressed about how things should be done.", 0.65},
	{"A passing remark with little long-term relevance.", 0.3},
}

type cachedEmbedding struct {
	vector    []float32
	createdAt time.Time
}

// Pipeline is the assessor the harvester defers to.
type Pipeline struct {
	provider embedding.Provider
	scorer   ModelScorer
	cfg      config.AssessmentConfig
	breaker  *CircuitBreaker
	log      *logging.Logger
	now      func() time.Time

	mu             sync.Mutex
	embeddingCache map[string]cachedEmbedding
	referenceVecs  [][]float32
}

// NewPipeline constructs the pipeline. scorer may be nil, in which case
// stage 3 is skipped entirely.
func NewPipeline(provider embedding.Provider, scorer ModelScorer, cfg config.AssessmentConfig) *Pipeline {
	return &Pipeline{
		provider: provider,
		scorer:   scorer,
		cfg:      cfg,
		breaker: NewCircuitBreaker(
			cfg.CircuitFailureThreshold,
			cfg.CircuitMinimumRequests,
			time.Duration(cfg.CircuitFailureWindowSeconds)*time.Second,
			time.Duration(cfg.CircuitRecoveryTimeoutSeconds)*time.Second,
		),
		log:            logging.GetLogger("assessment"),
		now:            func() time.Time { return time.Now().UTC() },
		embeddingCache: map[string]cachedEmbedding{},
	}
}

// Assess runs the staged pipeline and returns an importance in [0,1].
// Stages degrade gracefully: an unusable stage falls through to the
// next, and the final fallback is a neutral 0.5.
func (p *Pipeline) Assess(ctx context.Context, content string) (float64, error) {
	if score, confident := p.stage1(content); confident {
		return score, nil
	}

	if score, confident := p.stage2(ctx, content); confident {
		return score, nil
	}

	if p.scorer != nil {
		if score, err := p.stage3(ctx, content); err == nil {
			return score, nil
		}
	}

	return 0.5, nil
}

// stage1 matches the regex cue table; the strongest hit wins. Confident
// when the implied score clears the stage-1 threshold.
func (p *Pipeline) stage1(content string) (float64, bool) {
	best := 0.0
	for _, rp := range stage1Patterns {
		if rp.re.MatchString(content) && rp.score > best {
			best = rp.score
		}
	}
	if best >= p.cfg.Stage1ConfidenceThreshold {
		return best, true
	}
	return best, false
}

// stage2 embeds the content (through the TTL cache) and scores it by
// the most similar reference statement. Confident when the best
// similarity clears the stage-2 similarity threshold.
func (p *Pipeline) stage2(ctx context.Context, content string) (float64, bool) {
	if p.provider == nil {
		return 0, false
	}

	vec, err := p.cachedEmbed(ctx, content)
	if err != nil {
		p.log.Warn("stage 2 embedding failed", "error", err)
		return 0, false
	}

	refs, err := p.referenceVectors(ctx)
	if err != nil {
		p.log.Warn("stage 2 reference embedding failed", "error", err)
		return 0, false
	}

	bestSim := 0.0
	bestScore := 0.0
	for i, ref := range refs {
		sim := embedding.CosineSimilarity(vec, ref)
		if sim > bestSim {
			bestSim = sim
			bestScore = referenceTexts[i].score
		}
	}

	if bestSim >= p.cfg.Stage2SimilarityThreshold && bestScore >= p.cfg.Stage2ConfidenceThreshold {
		return bestScore, true
	}
	return bestScore, false
}

// stage3 calls the external model scorer behind the circuit breaker.
func (p *Pipeline) stage3(ctx context.Context, content string) (float64, error) {
	if err := p.breaker.Allow(); err != nil {
		return 0, err
	}
	score, err := p.scorer.Score(ctx, content)
	if err != nil {
		p.breaker.RecordFailure()
		return 0, err
	}
	p.breaker.RecordSuccess()
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// cachedEmbed serves embeddings from the content-hash-keyed TTL cache,
// calling the provider only on miss.
func (p *Pipeline) cachedEmbed(ctx context.Context, content string) ([]float32, error) {
	sum := sha256.Sum256([]byte(content))
	key := hex.EncodeToString(sum[:])
	ttl := time.Duration(p.cfg.Stage2CacheTTLSeconds) * time.Second

	p.mu.Lock()
	if entry, ok := p.embeddingCache[key]; ok && p.now().Sub(entry.createdAt) <= ttl {
		p.mu.Unlock()
		return entry.vector, nil
	}
	p.mu.Unlock()

	vec, err := p.provider.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.embeddingCache[key] = cachedEmbedding{vector: vec, createdAt: p.now()}
	// Opportunistic expiry sweep keeps the cache bounded without a
	// background goroutine.
	for k, entry := range p.embeddingCache {
		if p.now().Sub(entry.createdAt) > ttl {
			delete(p.embeddingCache, k)
		}
	}
	p.mu.Unlock()
	return vec, nil
}

// referenceVectors lazily embeds the reference statements, retrying on
// the next call if the provider was unavailable.
func (p *Pipeline) referenceVectors(ctx context.Context) ([][]float32, error) {
	p.mu.Lock()
	if p.referenceVecs != nil {
		defer p.mu.Unlock()
		return p.referenceVecs, nil
	}
	p.mu.Unlock()

	vecs := make([][]float32, 0, len(referenceTexts))
	for _, ref := range referenceTexts {
		v, err := p.provider.Embed(ctx, ref.text)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, v)
	}

	p.mu.Lock()
	p.referenceVecs = vecs
	p.mu.Unlock()
	return vecs, nil
}

// BreakerState exposes the circuit breaker state for status reporting.
func (p *Pipeline) BreakerState() string { return p.breaker.State() }
