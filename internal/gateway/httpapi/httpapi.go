// Package httpapi implements the HTTP API gateway for Flowgate.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - API keys map to tenant IDs; all routing, caching, and usage accounting
//     is scoped to the authenticated tenant
//   - Per-tenant rate limiting via token bucket
//   - Request body size limits (default 1 MB)
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowgate-io/flowgate/internal/cache"
	"github.com/flowgate-io/flowgate/internal/llm"
	"github.com/flowgate-io/flowgate/internal/observability"
	"github.com/flowgate-io/flowgate/internal/ratelimit"
	"github.com/flowgate-io/flowgate/internal/router"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → tenant ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	router  *router.Router
	cache   *cache.ResponseCache
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	sandboxes SandboxEngine // nil = sandbox endpoints disabled.
	usage     UsageStore    // nil = usage endpoints disabled.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, rt *router.Router, rc *cache.ResponseCache, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		router:  rt,
		cache:   rc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithSandbox attaches the sandbox execution engine to the gateway.
func (g *Gateway) WithSandbox(engine SandboxEngine) *Gateway {
	g.sandboxes = engine
	return g
}

// WithUsage attaches the usage audit store to the gateway.
func (g *Gateway) WithUsage(store UsageStore) *Gateway {
	g.usage = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Flowgate",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Chat routing endpoint.
	g.group.Post("/chat", g.handleChat,
		okapi.DocSummary("Route a chat request to an AI provider"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(ChatResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)

	// Cache endpoints.
	g.group.Get("/cache/stats", g.handleCacheStats,
		okapi.DocSummary("Get response cache statistics"),
		okapi.DocTags("Cache"),
		okapi.DocResponse(cache.Stats{}),
	)
	g.group.Delete("/cache", g.handleCacheInvalidate,
		okapi.DocSummary("Invalidate all cached responses for the calling tenant"),
		okapi.DocTags("Cache"),
		okapi.DocResponse(CacheInvalidateResponse{}),
	)

	// Sandbox endpoints (only if the sandbox engine is configured).
	if g.sandboxes != nil {
		g.group.Post("/sandboxes", g.handleSandboxCreate,
			okapi.DocSummary("Create a sandbox from a generated workflow"),
			okapi.DocTags("Sandboxes"),
			okapi.DocRequestBody(SandboxCreateRequest{}),
			okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		)
		g.group.Post("/sandboxes/{id}/run", g.handleSandboxRun,
			okapi.DocSummary("Execute a sandbox test run"),
			okapi.DocTags("Sandboxes"),
			okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
			okapi.DocRequestBody(SandboxRunRequest{}),
			okapi.DocResponse(SandboxRunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
		)
		g.group.Get("/sandboxes/{id}", g.handleSandboxStatus,
			okapi.DocSummary("Get sandbox status"),
			okapi.DocTags("Sandboxes"),
			okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
			okapi.DocResponse(SandboxStatusResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Delete("/sandboxes/{id}", g.handleSandboxDelete,
			okapi.DocSummary("Delete a sandbox and its remote workflow"),
			okapi.DocTags("Sandboxes"),
			okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Usage endpoints (only if the audit store is configured).
	if g.usage != nil {
		g.group.Get("/usage", g.handleUsageRecent,
			okapi.DocSummary("List recent usage records for the calling tenant"),
			okapi.DocTags("Usage"),
			okapi.DocResponse([]UsageRecordResponse{}),
		)
		g.group.Get("/usage/summary", g.handleUsageSummary,
			okapi.DocSummary("Aggregate usage totals for the calling tenant"),
			okapi.DocTags("Usage"),
			okapi.DocResponse(UsageSummaryResponse{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Chat ---

// ChatMessage is a single turn in the conversation transcript.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", or "assistant".
	Content string `json:"content"`
}

// ChatRequest is the JSON body for POST /v1/chat.
type ChatRequest struct {
	Message  string         `json:"message,omitempty"`  // Single-turn shorthand. Ignored when messages is set.
	Messages []ChatMessage  `json:"messages,omitempty"` // Full transcript.
	Context  map[string]any `json:"context,omitempty"`
	UserID   string         `json:"user_id,omitempty"`

	Provider     string `json:"provider,omitempty"` // Preferred provider. Empty or "auto" = default order.
	BYOKProvider string `json:"byok_provider,omitempty"`
	BYOKKey      string `json:"byok_key,omitempty"`
}

// ChatResponse is the JSON response for POST /v1/chat.
type ChatResponse struct {
	Content       string  `json:"content"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model,omitempty"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	CostUSD       float64 `json:"cost_usd"`
	Cached        bool    `json:"cached"`
	LatencyMs     int64   `json:"latency_ms"`
	Action        string  `json:"action"`
	CorrelationID string  `json:"correlation_id"`
}

func (g *Gateway) handleChat(c *okapi.Context) error {
	tenantID := c.GetString("tenantID")

	if g.limiter != nil {
		if err := g.limiter.Allow(tenantID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	messages, err := buildTranscript(&req)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	correlationID := newCorrelationID()

	g.logger.Info("http chat",
		slog.String("tenant_id", tenantID),
		slog.String("correlation_id", correlationID),
		slog.String("provider_preference", req.Provider),
		slog.Bool("byok", req.BYOKKey != ""),
	)

	resp, err := g.router.Route(c.Context(), &router.Request{
		TenantID:           tenantID,
		UserID:             req.UserID,
		Messages:           messages,
		Context:            req.Context,
		ProviderPreference: req.Provider,
		BYOKProvider:       req.BYOKProvider,
		BYOKKey:            req.BYOKKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, router.ErrBYOKNotAllowed):
			return c.JSON(http.StatusForbidden, ErrorBody{Error: "byok requests are not permitted"})
		case errors.Is(err, router.ErrNoProviders):
			return c.AbortServiceUnavailable("no providers available")
		default:
			g.logger.Error("chat routing failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: "provider request failed"})
		}
	}

	return c.OK(ChatResponse{
		Content:       resp.Content,
		Provider:      resp.Provider,
		Model:         resp.Model,
		InputTokens:   resp.Tokens.InputTokens,
		OutputTokens:  resp.Tokens.OutputTokens,
		CostUSD:       resp.CostUSD,
		Cached:        resp.Cached,
		LatencyMs:     resp.LatencyMs,
		Action:        string(resp.Action),
		CorrelationID: correlationID,
	})
}

// buildTranscript converts the request body into provider messages. The
// single-message shorthand becomes a one-turn user transcript.
func buildTranscript(req *ChatRequest) ([]llm.Message, error) {
	if len(req.Messages) == 0 {
		if req.Message == "" {
			return nil, errors.New("message or messages is required")
		}
		return []llm.Message{{Role: llm.RoleUser, Content: req.Message}}, nil
	}

	messages := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch llm.Role(m.Role) {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, errors.New("message role must be system, user, or assistant")
		}
		if m.Content == "" {
			return nil, errors.New("message content must not be empty")
		}
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return messages, nil
}

// --- Health ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped tenant ID on the
// request context. Rejects the request if no key matches.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		tenantID := ""
		for key, tenant := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				tenantID = tenant
			}
		}
		if tenantID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("tenantID", tenantID)
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
