// Package dependencies checks the external services the memory engine
// relies on: PostgreSQL with pgvector, the embedding provider, and the
// optional Qdrant secondary vector backend. Used by the doctor command
// and at daemon startup.
package dependencies

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

// Status of a single dependency check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusMissing  Status = "missing"
	StatusDegraded Status = "degraded"
	StatusSkipped  Status = "skipped"
)

// DependencyInfo describes one checked dependency.
type DependencyInfo struct {
	Name    string
	Status  Status
	Detail  string
	Version string
}

// CheckResult aggregates all dependency checks.
type CheckResult struct {
	Postgres  DependencyInfo
	Embedding DependencyInfo
	Qdrant    DependencyInfo
}

// Check probes every configured dependency with short timeouts.
func Check(ctx context.Context, cfg *config.Config) *CheckResult {
	return &CheckResult{
		Postgres:  checkPostgres(ctx, cfg),
		Embedding: checkEmbedding(ctx, cfg),
		Qdrant:    checkQdrant(ctx, cfg),
	}
}

func checkPostgres(ctx context.Context, cfg *config.Config) DependencyInfo {
	info := DependencyInfo{Name: "postgresql"}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(probeCtx, cfg.Database.DSN)
	if err != nil {
		info.Status = StatusMissing
		info.Detail = fmt.Sprintf("cannot connect: %v", err)
		return info
	}
	defer conn.Close(probeCtx)

	var version string
	if err := conn.QueryRow(probeCtx, `SHOW server_version`).Scan(&version); err == nil {
		info.Version = version
	}

	var hasVector bool
	err = conn.QueryRow(probeCtx, `SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&hasVector)
	if err != nil || !hasVector {
		info.Status = StatusDegraded
		info.Detail = "connected, but pgvector extension is not installed"
		return info
	}

	info.Status = StatusOK
	info.Detail = "connected, pgvector installed"
	return info
}

func checkEmbedding(ctx context.Context, cfg *config.Config) DependencyInfo {
	info := DependencyInfo{Name: "embedding provider"}
	if !cfg.Embedding.Enabled {
		info.Status = StatusSkipped
		info.Detail = "disabled in configuration"
		return info
	}

	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Embedding.BaseURL+"/api/tags", nil)
	if err != nil {
		info.Status = StatusMissing
		info.Detail = err.Error()
		return info
	}
	resp, err := client.Do(req)
	if err != nil {
		info.Status = StatusMissing
		info.Detail = fmt.Sprintf("unreachable at %s: %v", cfg.Embedding.BaseURL, err)
		return info
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		info.Status = StatusDegraded
		info.Detail = fmt.Sprintf("returned HTTP %d", resp.StatusCode)
		return info
	}
	info.Status = StatusOK
	info.Detail = fmt.Sprintf("reachable, model %s (dim %d)", cfg.Embedding.Model, cfg.Embedding.Dimension)
	return info
}

func checkQdrant(ctx context.Context, cfg *config.Config) DependencyInfo {
	info := DependencyInfo{Name: "qdrant"}
	if !cfg.Qdrant.Enabled {
		info.Status = StatusSkipped
		info.Detail = "disabled (optional secondary vector backend)"
		return info
	}

	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Qdrant.URL+"/collections", nil)
	if err != nil {
		info.Status = StatusMissing
		info.Detail = err.Error()
		return info
	}
	resp, err := client.Do(req)
	if err != nil {
		info.Status = StatusMissing
		info.Detail = fmt.Sprintf("unreachable at %s: %v", cfg.Qdrant.URL, err)
		return info
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		info.Status = StatusDegraded
		info.Detail = fmt.Sprintf("returned HTTP %d", resp.StatusCode)
		return info
	}
	info.Status = StatusOK
	info.Detail = "reachable"
	return info
}

// Healthy reports whether the required dependencies (Postgres and, when
// enabled, the embedding provider) are usable.
func (r *CheckResult) Healthy() bool {
	if r.Postgres.Status != StatusOK {
		return false
	}
	if r.Embedding.Status == StatusMissing {
		return false
	}
	return true
}

// FormatDoctorReport renders the full check result for the doctor
// command.
func FormatDoctorReport(r *CheckResult) string {
	var b strings.Builder
	b.WriteString("Dependency check\n")
	b.WriteString("================\n\n")
	for _, dep := range []DependencyInfo{r.Postgres, r.Embedding, r.Qdrant} {
		marker := "?"
		switch dep.Status {
		case StatusOK:
			marker = "+"
		case StatusMissing:
			marker = "x"
		case StatusDegraded:
			marker = "!"
		case StatusSkipped:
			marker = "-"
		}
		fmt.Fprintf(&b, "[%s] %-20s %s\n", marker, dep.Name, dep.Detail)
		if dep.Version != "" {
			fmt.Fprintf(&b, "    version: %s\n", dep.Version)
		}
	}
	b.WriteString("\n")
	if r.Healthy() {
		b.WriteString("All required dependencies are available.\n")
	} else {
		b.WriteString("Required dependencies are missing; the engine cannot run.\n")
	}
	return b.String()
}
