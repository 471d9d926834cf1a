package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/retrieval"
)

func (s *Server) healthHandler(c *gin.Context) {
	SuccessResponse(c, "ok", gin.H{
		"tier_manager_running": s.tierMgr != nil && s.tierMgr.IsRunning(),
		"cache_hit_ratio":      s.retrieval.CacheHitRatio(),
	})
}

type createMemoryRequest struct {
	Content    string         `json:"content" binding:"required"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata"`
	ParentID   *string        `json:"parent_id"`
}

func (s *Server) createMemory(c *gin.Context) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestError(c, "invalid request body: "+err.Error())
		return
	}
	if err := validateContent(req.Content); err != nil {
		BadRequestError(c, err.Error())
		return
	}

	m := &memstore.Memory{
		Content:     req.Content,
		ContentHash: memstore.HashContent(req.Content),
		Importance:  req.Importance,
		Metadata:    req.Metadata,
	}

	if req.ParentID != nil {
		parentID, err := uuid.Parse(*req.ParentID)
		if err != nil {
			BadRequestError(c, "invalid parent_id")
			return
		}
		m.ParentID = &parentID
	}

	if s.provider != nil {
		if emb, err := s.provider.Embed(c.Request.Context(), req.Content); err == nil {
			m.Embedding = emb
		} else {
			s.log.Warn("embedding failed for new memory, storing without", "error", err)
		}
	}

	if err := s.db.CreateMemory(c.Request.Context(), nil, m); err != nil {
		s.writeError(c, err)
		return
	}
	CreatedResponse(c, "memory created", gin.H{"id": m.ID, "tier": m.Tier})
}

func (s *Server) getMemory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequestError(c, "invalid memory id")
		return
	}
	m, err := s.db.GetMemory(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	SuccessResponse(c, "memory found", m)
}

type searchRequest struct {
	Query           string  `json:"query"`
	Tier            *string `json:"tier"`
	Limit           int     `json:"limit"`
	IncludeLineage  bool    `json:"include_lineage"`
	IncludeInsights bool    `json:"include_insights"`
	ExplainBoosting bool    `json:"explain_boosting"`
	UseCache        *bool   `json:"use_cache"`
}

func (s *Server) searchMemories(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestError(c, "invalid request body: "+err.Error())
		return
	}
	if err := validateQuery(req.Query); err != nil {
		BadRequestError(c, err.Error())
		return
	}

	searchReq := &retrieval.Request{
		QueryText:                 req.Query,
		Limit:                     clampLimit(req.Limit),
		IncludeLineage:            req.IncludeLineage,
		IncludeConsolidationBoost: true,
		IncludeInsights:           req.IncludeInsights,
		ExplainBoosting:           req.ExplainBoosting,
		UseCache:                  req.UseCache == nil || *req.UseCache,
	}
	if req.Tier != nil {
		tier := memstore.Tier(*req.Tier)
		searchReq.Tier = &tier
	}

	if s.provider != nil && req.Query != "" {
		if emb, err := s.provider.Embed(c.Request.Context(), req.Query); err == nil {
			searchReq.QueryEmbedding = emb
		}
	}

	resp, err := s.retrieval.Search(c.Request.Context(), searchReq)
	if err != nil {
		s.writeError(c, err)
		return
	}
	SuccessResponse(c, "search complete", resp)
}

type dedupRequest struct {
	MemoryIDs []string `json:"memory_ids"`
}

func (s *Server) runDedup(c *gin.Context) {
	var req dedupRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		BadRequestError(c, "invalid request body: "+err.Error())
		return
	}

	ids := make([]uuid.UUID, 0, len(req.MemoryIDs))
	for _, raw := range req.MemoryIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			BadRequestError(c, "invalid memory id: "+raw)
			return
		}
		ids = append(ids, id)
	}

	result, err := s.dedup.DeduplicateBatch(c.Request.Context(), ids)
	if err != nil {
		s.writeError(c, err)
		return
	}
	SuccessResponse(c, "deduplication complete", result)
}

func (s *Server) runPrune(c *gin.Context) {
	result, err := s.dedup.AutoPrune(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	SuccessResponse(c, "prune complete", result)
}

func (s *Server) reverseOperation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequestError(c, "invalid operation id")
		return
	}
	if err := s.dedup.ReverseOperation(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	SuccessResponse(c, "operation reversed", gin.H{"operation_id": id})
}

func (s *Server) tierStatus(c *gin.Context) {
	counts, err := s.db.CountActiveByTier(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	ticks, migrated, failed, retried := s.tierMgr.MetricsSnapshot()
	compactionDue, overfull, err := s.dedup.CompactionDue(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	SuccessResponse(c, "tier status", gin.H{
		"active_by_tier": counts,
		"running":        s.tierMgr.IsRunning(),
		"ticks":          ticks,
		"migrated":       migrated,
		"failed":         failed,
		"retried":        retried,
		"compaction_due": compactionDue,
		"overfull_tiers": overfull,
	})
}

type harvestMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) harvestMessage(c *gin.Context) {
	var req harvestMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestError(c, "invalid request body: "+err.Error())
		return
	}

	triggered := s.harvester.Enqueue(req.Message)
	if triggered {
		stats, err := s.harvester.Process(c.Request.Context())
		if err != nil {
			s.writeError(c, err)
			return
		}
		SuccessResponse(c, "harvest run complete", stats)
		return
	}
	SuccessResponse(c, "message queued", gin.H{"queue_depth": s.harvester.QueueDepth()})
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch memerr.KindOf(err) {
	case memerr.NotFound:
		NotFoundError(c, err.Error())
	case memerr.InvalidRequest, memerr.InvalidData:
		BadRequestError(c, err.Error())
	case memerr.ConcurrencyError:
		ErrorResponse(c, http.StatusConflict, err.Error())
	case memerr.OperationTimeout:
		ErrorResponse(c, http.StatusGatewayTimeout, err.Error())
	default:
		s.log.LogError("api_request", err, "path", c.Request.URL.Path)
		InternalError(c, "internal error")
	}
}
