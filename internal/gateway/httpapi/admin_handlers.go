package httpapi

import (
	"context"
	"strconv"
	"time"

	"github.com/flowgate-io/flowgate/internal/audit"
	"github.com/jkaninda/okapi"
)

// UsageStore is the audit read surface consumed by the usage endpoints.
type UsageStore interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]audit.UsageModel, error)
	Totals(ctx context.Context, tenantID string, since time.Time) (*audit.TenantTotals, error)
}

var _ UsageStore = (*audit.Store)(nil)

// --- Cache ---

func (g *Gateway) handleCacheStats(c *okapi.Context) error {
	return c.OK(g.cache.Stats())
}

// CacheInvalidateResponse reports how many entries were dropped.
type CacheInvalidateResponse struct {
	TenantID    string `json:"tenant_id"`
	Invalidated int    `json:"invalidated"`
}

func (g *Gateway) handleCacheInvalidate(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")
	n := g.cache.InvalidateTenant(tenantID)
	return c.OK(CacheInvalidateResponse{
		TenantID:    tenantID,
		Invalidated: n,
	})
}

// --- Usage ---

// UsageRecordResponse is one usage record in the recent-usage listing.
type UsageRecordResponse struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Provider     string    `json:"provider"`
	Action       string    `json:"action,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Cached       bool      `json:"cached"`
	CreatedAt    time.Time `json:"created_at"`
}

func (g *Gateway) handleUsageRecent(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")

	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	records, err := g.usage.Recent(c.Context(), tenantID, limit)
	if err != nil {
		return c.AbortInternalServerError("usage lookup failed")
	}

	resp := make([]UsageRecordResponse, len(records))
	for i, r := range records {
		resp[i] = UsageRecordResponse{
			ID:           r.ID,
			UserID:       r.UserID,
			Provider:     r.Provider,
			Action:       r.Action,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CostUSD:      r.CostUSD,
			LatencyMs:    r.LatencyMs,
			Cached:       r.Cached,
			CreatedAt:    r.CreatedAt,
		}
	}
	return c.OK(resp)
}

// UsageSummaryResponse aggregates tenant usage over a window.
type UsageSummaryResponse struct {
	TenantID string             `json:"tenant_id"`
	Since    time.Time          `json:"since"`
	Totals   audit.TenantTotals `json:"totals"`
}

func (g *Gateway) handleUsageSummary(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")

	window := 24 * time.Hour
	if raw := c.Request().URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("hours must be a positive integer")
		}
		window = time.Duration(n) * time.Hour
	}
	since := time.Now().Add(-window)

	totals, err := g.usage.Totals(c.Context(), tenantID, since)
	if err != nil {
		return c.AbortInternalServerError("usage lookup failed")
	}

	return c.OK(UsageSummaryResponse{
		TenantID: tenantID,
		Since:    since,
		Totals:   *totals,
	})
}
