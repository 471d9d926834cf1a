// Package retrieval implements the memory-aware retrieval engine: a
// hybrid vector+text base search layered with consolidation boosting,
// insight inclusion, lineage expansion, and a TTL/LRU query-pattern
// cache.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// Request is one retrieval call: a base search plus boosting toggles.
type Request struct {
	QueryText      string
	QueryEmbedding []float32
	Tier           *memstore.Tier
	Limit          int

	IncludeLineage            bool
	IncludeConsolidationBoost bool
	IncludeInsights           bool
	LineageDepth              int
	UseCache                  bool
	ExplainBoosting           bool
}

// Result is one scored hit.
type Result struct {
	Memory                 *memstore.Memory
	BaseSimilarityScore    float64
	BaseCombinedScore      float64
	ConsolidationBoost     float64
	FinalScore             float64
	IsInsight              bool
	IsRecentlyConsolidated bool
	CacheHit               bool
	Lineage                *Lineage
	BoostExplanation       *BoostExplanation
}

// BoostExplanation spells out how a final score was produced, returned
// only when the request asks for it.
type BoostExplanation struct {
	ConsolidationBoostApplied float64
	InsightWeightApplied      float64
	TotalBoostMultiplier      float64
	Reasons                   []string
}

// PerformanceMetrics records per-phase timings for one call.
type PerformanceMetrics struct {
	CacheLookupMs   int64
	BaseSearchMs    int64
	BoostComputeMs  int64
	LineageMs       int64
	InsightSearchMs int64
	TotalMs         int64
}

// Response is the full retrieval answer.
type Response struct {
	Results       []Result
	TotalResults  int
	InsightCount  int
	BoostedCount  int
	CacheHit      bool
	CacheHitRatio float64
	Metrics       PerformanceMetrics
}

// Engine is the retrieval engine. Safe for concurrent use; the cache is
// the only shared mutable state.
type Engine struct {
	db    *database.Database
	cfg   config.RetrievalConfig
	log   *logging.Logger
	cache *queryCache
	now   func() time.Time
}

// NewEngine constructs the engine and its query cache.
func NewEngine(db *database.Database, cfg config.RetrievalConfig) *Engine {
	now := func() time.Time { return time.Now().UTC() }
	var cache *queryCache
	if cfg.EnableQueryCaching {
		ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		cache = newQueryCache(ttl, cfg.MaxCacheSize, now)
	}
	return &Engine{
		db:    db,
		cfg:   cfg,
		log:   logging.GetLogger("retrieval"),
		cache: cache,
		now:   now,
	}
}

// StartCacheCleanup launches the periodic expired-entry sweep. Returns
// immediately when caching is disabled.
func (e *Engine) StartCacheCleanup(ctx context.Context) {
	if e.cache == nil {
		return
	}
	interval := time.Duration(e.cfg.CacheTTLSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := e.cache.cleanup(); removed > 0 {
					e.log.Debug("query cache cleanup", "removed", removed, "size", e.cache.size())
				}
			}
		}
	}()
}

// Search runs the full retrieval pipeline. Cache failures never fail the
// call: a broken cache degrades to a direct search.
func (e *Engine) Search(ctx context.Context, req *Request) (*Response, error) {
	start := e.now()
	resp := &Response{}

	key := cacheKey(req)
	if e.cache != nil && req.UseCache {
		lookupStart := e.now()
		if cached, ok := e.cache.get(key); ok {
			// Copy before flagging so the cached entries themselves stay
			// unmarked for the next hit.
			results := make([]Result, len(cached))
			copy(results, cached)
			for i := range results {
				results[i].CacheHit = true
			}
			resp.Results = results
			resp.TotalResults = len(results)
			resp.CacheHit = true
			resp.CacheHitRatio = e.cache.hitRatio()
			resp.InsightCount, resp.BoostedCount = countSignals(results)
			resp.Metrics.CacheLookupMs = e.now().Sub(lookupStart).Milliseconds()
			resp.Metrics.TotalMs = e.now().Sub(start).Milliseconds()
			return resp, nil
		}
		resp.Metrics.CacheLookupMs = e.now().Sub(lookupStart).Milliseconds()
	}

	searchStart := e.now()
	base, err := e.db.SearchMemories(ctx, database.SearchOptions{
		QueryText:      req.QueryText,
		QueryEmbedding: req.QueryEmbedding,
		Tier:           req.Tier,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, err
	}
	resp.Metrics.BaseSearchMs = e.now().Sub(searchStart).Milliseconds()

	boostStart := e.now()
	results, err := e.scoreResults(ctx, req, base)
	if err != nil {
		return nil, err
	}
	resp.Metrics.BoostComputeMs = e.now().Sub(boostStart).Milliseconds()

	if req.IncludeLineage {
		lineageStart := e.now()
		depth := req.LineageDepth
		if depth <= 0 || depth > e.cfg.MaxLineageDepth {
			depth = e.cfg.MaxLineageDepth
		}
		for i := range results {
			lineage, err := e.buildLineage(ctx, results[i].Memory, depth)
			if err != nil {
				e.log.LogError("build_lineage", err, "memory_id", results[i].Memory.ID)
				continue
			}
			results[i].Lineage = lineage
		}
		resp.Metrics.LineageMs = e.now().Sub(lineageStart).Milliseconds()
	}

	if req.IncludeInsights && e.cfg.IncludeInsights {
		insightStart := e.now()
		results = e.appendInsights(ctx, req, results)
		resp.Metrics.InsightSearchMs = e.now().Sub(insightStart).Milliseconds()
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})

	if e.cache != nil && req.UseCache {
		e.cache.put(key, results)
		resp.CacheHitRatio = e.cache.hitRatio()
	}

	resp.Results = results
	resp.TotalResults = len(results)
	resp.InsightCount, resp.BoostedCount = countSignals(results)
	resp.Metrics.TotalMs = e.now().Sub(start).Milliseconds()

	if target := int64(e.cfg.P95LatencyTargetMs); target > 0 && resp.Metrics.TotalMs > target {
		e.log.Warn("retrieval exceeded latency target",
			"total_ms", resp.Metrics.TotalMs,
			"target_ms", target,
			"base_search_ms", resp.Metrics.BaseSearchMs,
			"lineage_ms", resp.Metrics.LineageMs)
	}
	return resp, nil
}

// scoreResults applies insight detection and the consolidation boost to
// the base hits. One query finds which hits were recently consolidated;
// the latest consolidation entry is then read with one query per hit in
// that set, not in a single batched query.
func (e *Engine) scoreResults(ctx context.Context, req *Request, base []database.SearchResult) ([]Result, error) {
	ids := make([]uuid.UUID, len(base))
	for i, b := range base {
		ids[i] = b.Memory.ID
	}

	recentSet := map[uuid.UUID]bool{}
	chains := map[uuid.UUID][]*memstore.ConsolidationLogEntry{}
	if req.IncludeConsolidationBoost && len(ids) > 0 {
		since := e.now().Add(-time.Duration(e.cfg.RecentConsolidationThresholdHours) * time.Hour)
		var err error
		recentSet, err = e.db.RecentlyConsolidatedSet(ctx, ids, since)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !recentSet[id] {
				continue
			}
			chain, err := e.db.GetConsolidationChain(ctx, id, 1)
			if err != nil {
				return nil, err
			}
			chains[id] = chain
		}
	}

	now := e.now()
	results := make([]Result, len(base))
	for i, b := range base {
		r := Result{
			Memory:              b.Memory,
			BaseSimilarityScore: b.SimilarityScore,
			BaseCombinedScore:   b.CombinedScore,
			ConsolidationBoost:  1.0,
			IsInsight:           b.Memory.IsInsight(),
		}

		if recentSet[b.Memory.ID] {
			r.IsRecentlyConsolidated = true
			r.ConsolidationBoost = e.consolidationBoost(chains[b.Memory.ID], now)
		}

		r.FinalScore = r.BaseCombinedScore * r.ConsolidationBoost

		if req.ExplainBoosting {
			r.BoostExplanation = explainBoost(&r)
		}
		results[i] = r
	}
	return results, nil
}

// consolidationBoost computes
//
//	1 + (multiplier-1) * e^(-hours_since/24) * (1 + positive strength delta)
//
// capped at the configured multiplier; 1.0 when no recent event exists.
func (e *Engine) consolidationBoost(chain []*memstore.ConsolidationLogEntry, now time.Time) float64 {
	if len(chain) == 0 {
		return 1.0
	}
	latest := chain[0]
	hoursSince := now.Sub(latest.CreatedAt).Hours()
	if hoursSince < 0 {
		hoursSince = 0
	}
	deltaPositive := latest.NewStrength - latest.PreviousStrength
	if deltaPositive < 0 {
		deltaPositive = 0
	}
	multiplier := e.cfg.ConsolidationBoostMultiplier
	boost := 1 + (multiplier-1)*math.Exp(-hoursSince/24)*(1+deltaPositive)
	if boost > multiplier {
		boost = multiplier
	}
	if boost < 1 {
		boost = 1
	}
	return boost
}

// appendInsights runs a second, limited base search and appends insight
// memories not already present, weighted by InsightImportanceWeight.
func (e *Engine) appendInsights(ctx context.Context, req *Request, results []Result) []Result {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	insightHits, err := e.db.SearchMemories(ctx, database.SearchOptions{
		QueryText:      req.QueryText,
		QueryEmbedding: req.QueryEmbedding,
		Tier:           req.Tier,
		Limit:          limit,
	})
	if err != nil {
		e.log.LogError("insight_search", err)
		return results
	}

	seen := make(map[uuid.UUID]bool, len(results))
	for _, r := range results {
		seen[r.Memory.ID] = true
	}

	for _, hit := range insightHits {
		if seen[hit.Memory.ID] || !hit.Memory.IsInsight() {
			continue
		}
		if hit.CombinedScore < e.cfg.InsightConfidenceThreshold {
			continue
		}
		seen[hit.Memory.ID] = true
		results = append(results, Result{
			Memory:              hit.Memory,
			BaseSimilarityScore: hit.SimilarityScore,
			BaseCombinedScore:   hit.CombinedScore,
			ConsolidationBoost:  1.0,
			FinalScore:          hit.CombinedScore * e.cfg.InsightImportanceWeight,
			IsInsight:           true,
		})
	}
	return results
}

func explainBoost(r *Result) *BoostExplanation {
	expl := &BoostExplanation{
		ConsolidationBoostApplied: r.ConsolidationBoost,
		InsightWeightApplied:      1.0,
		TotalBoostMultiplier:      r.ConsolidationBoost,
	}
	if r.IsRecentlyConsolidated {
		expl.Reasons = append(expl.Reasons, "recent consolidation activity")
	}
	if r.IsInsight {
		expl.Reasons = append(expl.Reasons, "insight memory")
	}
	if len(expl.Reasons) == 0 {
		expl.Reasons = append(expl.Reasons, "base score only")
	}
	return expl
}

func countSignals(results []Result) (insights, boosted int) {
	for _, r := range results {
		if r.IsInsight {
			insights++
		}
		if r.ConsolidationBoost > 1.0 {
			boosted++
		}
	}
	return insights, boosted
}

// CacheHitRatio exposes the cache's lifetime hit ratio for status
// reporting; 0 when caching is disabled.
func (e *Engine) CacheHitRatio() float64 {
	if e.cache == nil {
		return 0
	}
	return e.cache.hitRatio()
}
