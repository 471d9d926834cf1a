// Package mcp implements an MCP (Model Context Protocol) server over
// stdin/stdout, exposing the core memory engine's operations as tools
// for AI agents. A driver only: requests are translated into core calls
// and results formatted back as text.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/dedup"
	"github.com/MycelicMemory/mycelicmemory/internal/embedding"
	"github.com/MycelicMemory/mycelicmemory/internal/harvester"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
	"github.com/MycelicMemory/mycelicmemory/internal/retrieval"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "mycelicmemory"
	ServerVersion   = "1.2.0"
)

// Deps bundles the core components the MCP server drives.
type Deps struct {
	DB        *database.Database
	Retrieval *retrieval.Engine
	Dedup     *dedup.Engine
	Harvester *harvester.Harvester
	Provider  embedding.Provider
}

// Server implements the MCP server
type Server struct {
	cfg       *config.Config
	db        *database.Database
	retrieval *retrieval.Engine
	dedup     *dedup.Engine
	harvester *harvester.Harvester
	provider  embedding.Provider
	formatter *Formatter
	log       *logging.Logger

	stdin  io.Reader
	stdout io.Writer

	mu          sync.Mutex
	initialized bool
}

// NewServer creates a new MCP server instance
func NewServer(cfg *config.Config, deps Deps) *Server {
	log := logging.GetLogger("mcp")
	log.Info("initializing MCP server", "version", ServerVersion, "protocol", ProtocolVersion)

	return &Server{
		cfg:       cfg,
		db:        deps.DB,
		retrieval: deps.Retrieval,
		dedup:     deps.Dedup,
		harvester: deps.Harvester,
		provider:  deps.Provider,
		formatter: NewFormatter(),
		log:       log,
		stdin:     os.Stdin,
		stdout:    os.Stdout,
	}
}

// Run starts the MCP server main loop
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting MCP server main loop")
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.log.Info("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		response := s.handleRequest(ctx, line)
		if response != nil {
			s.sendResponse(response)
		}
	}
	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, line string) *Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return &Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ParseError, Message: "parse error: " + err.Error()},
		}
	}

	s.log.LogRequest(req.Method)

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		return nil
	case "tools/list":
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  ToolsListResult{Tools: s.getToolDefinitions()},
		}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: MethodNotFound, Message: "method not found: " + req.Method},
		}
	}
}

func (s *Server) handleInitialize(req Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: ServerCapabilities{
				Tools: &ToolsCapability{},
			},
			ServerInfo: ServerInfo{Name: ServerName, Version: ServerVersion},
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidParams, Message: "invalid params: " + err.Error()},
		}
	}

	text, err := s.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: CallToolResult{
				Content: []ContentBlock{{Type: "text", Text: err.Error()}},
				IsError: true,
			},
		}
	}

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	switch name {
	case "store_memory":
		var p StoreMemoryParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		return s.storeMemory(ctx, p)
	case "search_memories":
		p := SearchParams{IncludeInsights: true}
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		return s.searchMemories(ctx, p)
	case "get_memory_by_id":
		var p GetMemoryParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		return s.getMemory(ctx, p)
	case "run_deduplication":
		var p DedupParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		return s.runDeduplication(ctx, p)
	case "reverse_operation":
		var p ReverseParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		return s.reverseOperation(ctx, p)
	case "harvest_message":
		var p HarvestParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		return s.harvestMessage(ctx, p)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) storeMemory(ctx context.Context, p StoreMemoryParams) (string, error) {
	if p.Content == "" {
		return "", memerr.New(memerr.InvalidRequest, "content is required")
	}

	m := &memstore.Memory{
		Content:     p.Content,
		ContentHash: memstore.HashContent(p.Content),
		Importance:  p.Importance,
	}
	if p.ParentID != "" {
		parentID, err := uuid.Parse(p.ParentID)
		if err != nil {
			return "", memerr.New(memerr.InvalidRequest, "invalid parent_id")
		}
		m.ParentID = &parentID
	}
	if s.provider != nil {
		if emb, err := s.provider.Embed(ctx, p.Content); err == nil {
			m.Embedding = emb
		}
	}

	if err := s.db.CreateMemory(ctx, nil, m); err != nil {
		return "", err
	}
	return s.formatter.MemoryStored(m), nil
}

func (s *Server) searchMemories(ctx context.Context, p SearchParams) (string, error) {
	req := &retrieval.Request{
		QueryText:                 p.Query,
		Limit:                     p.Limit,
		IncludeLineage:            p.IncludeLineage,
		IncludeConsolidationBoost: true,
		IncludeInsights:           p.IncludeInsights,
		UseCache:                  true,
	}
	if p.Tier != "" {
		tier := memstore.Tier(p.Tier)
		req.Tier = &tier
	}
	if s.provider != nil && p.Query != "" {
		if emb, err := s.provider.Embed(ctx, p.Query); err == nil {
			req.QueryEmbedding = emb
		}
	}

	resp, err := s.retrieval.Search(ctx, req)
	if err != nil {
		return "", err
	}
	return s.formatter.SearchResults(resp), nil
}

func (s *Server) getMemory(ctx context.Context, p GetMemoryParams) (string, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return "", memerr.New(memerr.InvalidRequest, "invalid memory id")
	}
	m, err := s.db.GetMemory(ctx, id)
	if err != nil {
		return "", err
	}
	return s.formatter.Memory(m), nil
}

func (s *Server) runDeduplication(ctx context.Context, p DedupParams) (string, error) {
	ids := make([]uuid.UUID, 0, len(p.MemoryIDs))
	for _, raw := range p.MemoryIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return "", memerr.Newf(memerr.InvalidRequest, "invalid memory id %q", raw)
		}
		ids = append(ids, id)
	}
	result, err := s.dedup.DeduplicateBatch(ctx, ids)
	if err != nil {
		return "", err
	}
	return s.formatter.DedupResult(result), nil
}

func (s *Server) reverseOperation(ctx context.Context, p ReverseParams) (string, error) {
	id, err := uuid.Parse(p.OperationID)
	if err != nil {
		return "", memerr.New(memerr.InvalidRequest, "invalid operation id")
	}
	if err := s.dedup.ReverseOperation(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Operation %s reversed.", id), nil
}

func (s *Server) harvestMessage(ctx context.Context, p HarvestParams) (string, error) {
	if p.Message == "" {
		return "", memerr.New(memerr.InvalidRequest, "message is required")
	}
	triggered := s.harvester.Enqueue(p.Message)
	if !triggered {
		return fmt.Sprintf("Message queued (%d pending).", s.harvester.QueueDepth()), nil
	}
	stats, err := s.harvester.Process(ctx)
	if err != nil {
		return "", err
	}
	return s.formatter.HarvestStats(stats), nil
}

func (s *Server) sendResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}
	fmt.Fprintln(s.stdout, string(data))
}

func (s *Server) getToolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "store_memory",
			Description: "Store a new memory with optional importance and parent link",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"content":    {Type: "string", Description: "The memory content"},
					"importance": {Type: "number", Description: "Importance score in [0,1]"},
					"parent_id":  {Type: "string", Description: "Optional parent memory id"},
				},
				Required: []string{"content"},
			},
		},
		{
			Name:        "search_memories",
			Description: "Search memories with consolidation boosting, optional lineage and insight expansion",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":            {Type: "string", Description: "Search query text"},
					"tier":             {Type: "string", Enum: []string{"working", "warm", "cold", "frozen"}},
					"limit":            {Type: "integer", Default: 20},
					"include_lineage":  {Type: "boolean", Default: false},
					"include_insights": {Type: "boolean", Default: true},
				},
			},
		},
		{
			Name:        "get_memory_by_id",
			Description: "Fetch a single memory by id",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id": {Type: "string", Description: "Memory id (UUID)"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "run_deduplication",
			Description: "Merge near-duplicate memories; pass ids to restrict scope, empty for the top candidates",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"memory_ids": {Type: "array", Items: &Property{Type: "string"}},
				},
			},
		},
		{
			Name:        "reverse_operation",
			Description: "Undo a completed merge or prune within its reversible window",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"operation_id": {Type: "string", Description: "Audit operation id"},
				},
				Required: []string{"operation_id"},
			},
		},
		{
			Name:        "harvest_message",
			Description: "Queue a conversational message for silent memory harvesting",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"message": {Type: "string", Description: "The conversational message"},
				},
				Required: []string{"message"},
			},
		},
	}
}
