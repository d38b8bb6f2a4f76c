package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowgate-io/flowgate/internal/sandbox"
	"github.com/flowgate-io/flowgate/internal/workflow"
	"github.com/jkaninda/okapi"
)

// SandboxEngine is the sandbox lifecycle surface consumed by the gateway.
type SandboxEngine interface {
	Create(ctx context.Context, tenantID string, w *workflow.Workflow, opts sandbox.Options) (*sandbox.Sandbox, error)
	Run(ctx context.Context, sandboxID string, input map[string]any) (*sandbox.Result, error)
	Status(sandboxID string) (*sandbox.StatusInfo, error)
	Cleanup(ctx context.Context, sandboxID string) bool
}

var _ SandboxEngine = (*sandbox.Engine)(nil)

// SandboxCreateRequest is the JSON body for POST /v1/sandboxes.
type SandboxCreateRequest struct {
	Workflow workflow.Workflow `json:"workflow"`
	// DisableExternalCalls redirects outbound HTTP nodes to a safe echo
	// endpoint. Omitted or null means true.
	DisableExternalCalls *bool          `json:"disable_external_calls,omitempty"`
	MockData             map[string]any `json:"mock_data,omitempty"`
}

// SandboxResponse is the JSON response for sandbox creation.
type SandboxResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")

	if g.limiter != nil {
		if err := g.limiter.Allow(tenantID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req SandboxCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	sb, err := g.sandboxes.Create(c.Context(), tenantID, &req.Workflow, sandbox.Options{
		DisableExternalCalls: req.DisableExternalCalls,
		MockData:             req.MockData,
	})
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrDisabled):
			return c.AbortServiceUnavailable("sandbox mode is disabled")
		case errors.Is(err, workflow.ErrInvalidWorkflow):
			return c.AbortBadRequest(err.Error())
		default:
			g.logger.Error("sandbox creation failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: "sandbox registration failed"})
		}
	}

	return c.JSON(http.StatusCreated, SandboxResponse{
		ID:        sb.ID,
		Status:    string(sb.Status),
		CreatedAt: sb.CreatedAt,
		ExpiresAt: sb.ExpiresAt,
	})
}

// SandboxRunRequest is the JSON body for POST /v1/sandboxes/{id}/run.
type SandboxRunRequest struct {
	Input map[string]any `json:"input,omitempty"`
}

// SandboxRunResponse is the JSON response for a sandbox test run. Execution
// failures are reported inside the result, not as HTTP errors.
type SandboxRunResponse struct {
	SandboxID string         `json:"sandbox_id"`
	Result    sandbox.Result `json:"result"`
}

func (g *Gateway) handleSandboxRun(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")

	if g.limiter != nil {
		if err := g.limiter.Allow(tenantID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req SandboxRunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	id := c.Param("id")

	result, err := g.sandboxes.Run(c.Context(), id, req.Input)
	if err != nil {
		return sandboxError(c, err)
	}

	return c.OK(SandboxRunResponse{
		SandboxID: id,
		Result:    *result,
	})
}

// SandboxStatusResponse is the JSON response for GET /v1/sandboxes/{id}.
type SandboxStatusResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	AgeSeconds float64   `json:"age_seconds"`
}

func (g *Gateway) handleSandboxStatus(c *okapi.Context) error {
	info, err := g.sandboxes.Status(c.Param("id"))
	if err != nil {
		return sandboxError(c, err)
	}

	return c.OK(SandboxStatusResponse{
		ID:         info.ID,
		Status:     string(info.Status),
		CreatedAt:  info.CreatedAt,
		ExpiresAt:  info.ExpiresAt,
		AgeSeconds: info.Age.Seconds(),
	})
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	id := c.Param("id")
	if !g.sandboxes.Cleanup(c.Context(), id) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
	}

	g.logger.Info("sandbox deleted via api",
		slog.String("tenant_id", c.GetString("tenantID")),
		slog.String("sandbox_id", id),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

// sandboxError maps sandbox lifecycle errors to HTTP responses.
func sandboxError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
	case errors.Is(err, sandbox.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "sandbox has expired"})
	case errors.Is(err, sandbox.ErrDisabled):
		return c.AbortServiceUnavailable("sandbox mode is disabled")
	default:
		return c.AbortInternalServerError("sandbox error")
	}
}
