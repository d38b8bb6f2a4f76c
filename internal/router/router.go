package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowgate-io/flowgate/internal/llm"
)

// Routing errors.
var (
	ErrNoProviders    = errors.New("no providers available")
	ErrBYOKNotAllowed = errors.New("byok requests are not permitted")
)

// Default models for BYOK requests that name a provider but no model.
var byokDefaultModels = map[string]string{
	"openai":    "gpt-4o",
	"anthropic": "claude-sonnet-4-5",
	"gemini":    "gemini-2.0-flash",
}

// Config controls routing policy. MaxTokens and Temperature form the fixed
// sampling policy applied to every provider call.
type Config struct {
	AllowBYOK       bool
	CostPer1KTokens float64
	MaxTokens       int
	Temperature     float64
	CacheTTL        time.Duration // 0 uses the cache default.
}

// Request is one provider-agnostic chat request.
type Request struct {
	TenantID           string         `json:"tenant_id"`
	UserID             string         `json:"user_id"`
	Messages           []llm.Message  `json:"messages"`
	Context            map[string]any `json:"context,omitempty"`
	ProviderPreference string         `json:"provider_preference,omitempty"`
	BYOKProvider       string         `json:"byok_provider,omitempty"`
	BYOKKey            string         `json:"byok_key,omitempty"`
}

// Response is the routed result handed back to the caller.
type Response struct {
	Content   string    `json:"content"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Tokens    llm.Usage `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	Cached    bool      `json:"cached"`
	LatencyMs int64     `json:"latency_ms"`
	Action    Action    `json:"action"`
}

// Cache is the response cache surface the router consumes.
type Cache interface {
	Get(tenantID, prompt string, reqContext map[string]any) (any, bool)
	Set(tenantID, prompt string, value any, reqContext map[string]any, ttlOverride time.Duration)
}

// Recorder receives per-provider call telemetry. Nil-safe at call sites.
type Recorder interface {
	RecordProviderCall(provider, status string, seconds float64)
}

// UsageRecord is the audit view of one routed request.
type UsageRecord struct {
	TenantID     string
	UserID       string
	Provider     string
	Action       Action
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Cached       bool
}

// UsageRecorder sinks usage records. Fire and forget: implementations must
// not block the request path. Nil-safe at call sites.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord)
}

// Router routes chat requests through the response cache and the provider
// fallback chain.
type Router struct {
	cfg      Config
	registry *Registry
	cache    Cache
	recorder Recorder
	usage    UsageRecorder
	logger   *slog.Logger
}

// New creates a router. cache, recorder, and usage may be nil.
func New(cfg Config, registry *Registry, cache Cache, recorder Recorder, usage UsageRecorder, logger *slog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		recorder: recorder,
		usage:    usage,
		logger:   logger,
	}
}

// SelectProviders produces the ordered candidate list for one request.
// BYOK credentials yield exactly one candidate and suppress all fallback.
// Otherwise the preferred provider, when configured, moves to the front and
// the remaining configured providers follow in registration order.
func (r *Router) SelectProviders(req *Request) ([]*Candidate, error) {
	if req.BYOKProvider != "" && req.BYOKKey != "" {
		if !r.cfg.AllowBYOK {
			return nil, ErrBYOKNotAllowed
		}
		model := byokDefaultModels[strings.ToLower(req.BYOKProvider)]
		candidate, err := buildBYOK(req.BYOKProvider, req.BYOKKey, model, r.logger)
		if err != nil {
			return nil, err
		}
		return []*Candidate{candidate}, nil
	}

	var out []*Candidate
	if pref := req.ProviderPreference; pref != "" && pref != "auto" {
		if c, ok := r.registry.Lookup(pref); ok {
			out = append(out, c)
		}
	}
	for _, c := range r.registry.Candidates() {
		if len(out) > 0 && out[0] == c {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoProviders
	}
	return out, nil
}

// Route serves one chat request: cache first, then the candidate chain in
// strict order. A BYOK failure aborts immediately; configured-provider
// failures fall through to the next candidate.
func (r *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	prompt := transcript(req.Messages)
	action := DetectAction(latestUserMessage(req.Messages))

	if r.cache != nil {
		if v, ok := r.cache.Get(req.TenantID, prompt, req.Context); ok {
			if cached, ok := v.(*Response); ok {
				resp := *cached
				resp.Cached = true
				resp.LatencyMs = time.Since(start).Milliseconds()
				r.recordUsage(ctx, req, &resp)
				return &resp, nil
			}
		}
	}

	candidates, err := r.SelectProviders(req)
	if err != nil {
		return nil, err
	}
	return r.tryCandidates(ctx, req, candidates, action, prompt, start)
}

// tryCandidates walks the fallback chain in strict order. The first success
// is cached and returned; a BYOK failure aborts the chain immediately.
func (r *Router) tryCandidates(ctx context.Context, req *Request, candidates []*Candidate, action Action, prompt string, start time.Time) (*Response, error) {
	chatReq := &llm.ChatRequest{
		Messages:    req.Messages,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	var lastErr error
	for _, candidate := range candidates {
		callStart := time.Now()
		chatResp, err := candidate.Provider.Chat(ctx, chatReq)
		elapsed := time.Since(callStart)

		if err != nil {
			r.recordCall(candidate.Name, "error", elapsed)
			r.logger.WarnContext(ctx, "provider call failed",
				slog.String("provider", candidate.Name),
				slog.String("tenant_id", req.TenantID),
				slog.String("error", err.Error()),
			)
			if candidate.BYOK {
				return nil, fatal(err)
			}
			lastErr = err
			continue
		}

		r.recordCall(candidate.Name, "success", elapsed)

		resp := &Response{
			Content:   chatResp.Content,
			Provider:  candidate.Name,
			Model:     chatResp.Model,
			Tokens:    chatResp.Usage,
			CostUSD:   r.estimateCost(chatResp.Usage),
			Cached:    false,
			LatencyMs: time.Since(start).Milliseconds(),
			Action:    action,
		}

		if r.cache != nil {
			r.cache.Set(req.TenantID, prompt, resp, req.Context, r.cfg.CacheTTL)
		}
		r.recordUsage(ctx, req, resp)
		return resp, nil
	}

	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// estimateCost approximates the request cost from a single configured
// per-1k-token rate. Not billing-grade.
func (r *Router) estimateCost(usage llm.Usage) float64 {
	total := usage.InputTokens + usage.OutputTokens
	return float64(total) / 1000 * r.cfg.CostPer1KTokens
}

// fatal strips the retryable flag from a provider error so callers never
// retry a BYOK failure against other providers.
func fatal(err error) error {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return pe.Fatal()
	}
	return err
}

// transcript joins the message history into the deterministic string the
// cache fingerprint is derived from.
func transcript(messages []llm.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, string(m.Role)+":"+m.Content)
	}
	return strings.Join(parts, "\n")
}

func latestUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func (r *Router) recordCall(provider, status string, elapsed time.Duration) {
	if r.recorder != nil {
		r.recorder.RecordProviderCall(provider, status, elapsed.Seconds())
	}
}

func (r *Router) recordUsage(ctx context.Context, req *Request, resp *Response) {
	if r.usage == nil {
		return
	}
	r.usage.RecordUsage(ctx, UsageRecord{
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		Provider:     resp.Provider,
		Action:       resp.Action,
		InputTokens:  resp.Tokens.InputTokens,
		OutputTokens: resp.Tokens.OutputTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.LatencyMs,
		Cached:       resp.Cached,
	})
}
