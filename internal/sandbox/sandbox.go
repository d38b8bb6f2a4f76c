// Package sandbox validates AI-generated workflows inside disposable,
// time-boxed copies. A sandboxed workflow has its side-effecting nodes
// neutralized before it ever reaches the external workflow engine, runs
// under a hard cancellation deadline, and is reaped once its TTL passes.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate-io/flowgate/internal/workflow"
)

// Status is a sandbox lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Lifecycle errors.
var (
	ErrDisabled = errors.New("sandbox mode is disabled")
	ErrNotFound = errors.New("sandbox not found")
	ErrExpired  = errors.New("sandbox has expired")
)

// Config configures the sandbox engine.
type Config struct {
	Enabled          bool
	TTL              time.Duration // Sandbox lifetime. Zero = 30 minutes.
	ExecutionTimeout time.Duration // Hard per-execution deadline. Zero = 30 seconds.
	SafeEndpoint     string        // Echo endpoint for redirected HTTP nodes.
}

// Recorder receives sandbox telemetry. Nil-safe at the call sites.
type Recorder interface {
	RecordSandboxExecution(status string, seconds float64)
	SetActiveSandboxes(n int)
}

// Sandbox is one time-boxed workflow copy tracked by the engine.
type Sandbox struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	RemoteID  string             `json:"remote_id"`
	Status    Status             `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	Original  *workflow.Workflow `json:"-"`
	Sanitized *workflow.Workflow `json:"-"`

	disabledNodes []string
}

// Result is the structured outcome of one sandbox test run. Execution
// failures (timeouts, remote errors) are reported here, not as Go errors,
// so callers always receive a result object for the common "it failed" path.
type Result struct {
	Success     bool                  `json:"success"`
	ExecutionID string                `json:"execution_id,omitempty"`
	DurationMs  int64                 `json:"duration_ms"`
	Errors      []string              `json:"errors,omitempty"`
	Warnings    []string              `json:"warnings,omitempty"`
	Output      any                   `json:"output,omitempty"`
	NodeResults map[string]NodeResult `json:"node_results,omitempty"`
}

// NodeResult is the per-node outcome within a Result.
type NodeResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusInfo is the read-only view returned by Status queries.
type StatusInfo struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Age       time.Duration `json:"age"`
}

// Engine owns the in-memory sandbox registry and all interaction with the
// external workflow engine. The registry mutex is never held across a
// network call.
type Engine struct {
	cfg      Config
	client   EngineClient
	recorder Recorder
	logger   *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewEngine creates a sandbox engine.
func NewEngine(cfg Config, client EngineClient, recorder Recorder, logger *slog.Logger) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Second
	}
	if cfg.SafeEndpoint == "" {
		cfg.SafeEndpoint = DefaultSafeEndpoint
	}
	return &Engine{
		cfg:       cfg,
		client:    client,
		recorder:  recorder,
		logger:    logger,
		sandboxes: make(map[string]*Sandbox),
	}
}

// Create validates and sanitizes a generated workflow, registers the
// sanitized copy with the external engine, and tracks the sandbox locally.
// If remote registration fails, no local record is kept.
func (e *Engine) Create(ctx context.Context, tenantID string, w *workflow.Workflow, opts Options) (*Sandbox, error) {
	if !e.cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := workflow.Validate(w); err != nil {
		return nil, err
	}

	sanitized, report := Sanitize(w, opts, e.cfg.SafeEndpoint)

	now := time.Now()
	sb := &Sandbox{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Status:        StatusCreated,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.TTL),
		Original:      w,
		Sanitized:     sanitized,
		disabledNodes: report.DisabledNodes,
	}

	remoteID, err := e.client.CreateWorkflow(ctx, sanitized)
	if err != nil {
		return nil, fmt.Errorf("registering sandbox workflow: %w", err)
	}
	sb.RemoteID = remoteID

	e.mu.Lock()
	e.sandboxes[sb.ID] = sb
	active := len(e.sandboxes)
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.SetActiveSandboxes(active)
	}
	e.logger.InfoContext(ctx, "sandbox created",
		slog.String("sandbox_id", sb.ID),
		slog.String("tenant_id", tenantID),
		slog.String("remote_id", remoteID),
		slog.Int("http_redirected", report.RedirectedHTTP),
		slog.Int("nodes_disabled", len(report.DisabledNodes)),
		slog.Time("expires_at", sb.ExpiresAt),
	)
	return sb, nil
}

// Run executes a sandbox test under the configured hard deadline. Timeout
// and remote failures produce an unsuccessful Result, not an error; only
// lifecycle problems (unknown or expired sandbox) are returned as errors.
func (e *Engine) Run(ctx context.Context, sandboxID string, input map[string]any) (*Result, error) {
	e.mu.Lock()
	sb, ok := e.sandboxes[sandboxID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.promoteExpiredLocked(sb) {
		e.mu.Unlock()
		return nil, ErrExpired
	}
	sb.Status = StatusRunning
	remoteID := sb.RemoteID
	disabled := len(sb.disabledNodes)
	e.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	start := time.Now()
	exec, err := e.client.ExecuteWorkflow(runCtx, remoteID, input)
	duration := time.Since(start)

	if err != nil {
		result := &Result{Success: false, DurationMs: duration.Milliseconds()}
		if runCtx.Err() == context.DeadlineExceeded {
			result.Errors = []string{fmt.Sprintf("execution timed out after %s", e.cfg.ExecutionTimeout)}
			e.logger.WarnContext(ctx, "sandbox execution timed out",
				slog.String("sandbox_id", sandboxID),
				slog.Duration("timeout", e.cfg.ExecutionTimeout),
			)
		} else {
			result.Errors = []string{err.Error()}
			e.logger.WarnContext(ctx, "sandbox execution failed",
				slog.String("sandbox_id", sandboxID),
				slog.String("error", err.Error()),
			)
		}
		e.setStatus(sandboxID, StatusFailed)
		e.recordExecution("failed", duration)
		return result, nil
	}

	result := parseExecution(exec, duration)
	if disabled > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d side-effecting node(s) disabled in sandbox", disabled))
	}

	if result.Success {
		e.setStatus(sandboxID, StatusCompleted)
		e.recordExecution("completed", duration)
	} else {
		e.setStatus(sandboxID, StatusFailed)
		e.recordExecution("failed", duration)
	}

	e.logger.InfoContext(ctx, "sandbox test finished",
		slog.String("sandbox_id", sandboxID),
		slog.Bool("success", result.Success),
		slog.Int64("duration_ms", result.DurationMs),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// parseExecution maps the engine's raw report onto a Result. An execution
// succeeds only when the engine reports a clean finish and neither the
// top-level report nor any node carries an error.
func parseExecution(exec *Execution, duration time.Duration) *Result {
	result := &Result{
		ExecutionID: exec.ID,
		DurationMs:  duration.Milliseconds(),
		Output:      exec.Output,
	}

	if exec.Error != "" {
		result.Errors = append(result.Errors, exec.Error)
	}

	if len(exec.NodeRuns) > 0 {
		result.NodeResults = make(map[string]NodeResult, len(exec.NodeRuns))
		for nodeID, run := range exec.NodeRuns {
			result.NodeResults[nodeID] = NodeResult{
				Success: run.Success,
				Output:  run.Output,
				Error:   run.Error,
			}
			if run.Error != "" {
				result.Errors = append(result.Errors, fmt.Sprintf("node %s: %s", nodeID, run.Error))
			}
		}
	}

	if !exec.Finished {
		result.Warnings = append(result.Warnings, "execution did not finish cleanly")
	}

	result.Success = exec.Finished && len(result.Errors) == 0
	return result
}

// Status reports a sandbox's state, lazily promoting it to expired when its
// deadline has passed. No other side effects.
func (e *Engine) Status(sandboxID string) (*StatusInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sb, ok := e.sandboxes[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	e.promoteExpiredLocked(sb)

	return &StatusInfo{
		ID:        sb.ID,
		Status:    sb.Status,
		CreatedAt: sb.CreatedAt,
		ExpiresAt: sb.ExpiresAt,
		Age:       time.Since(sb.CreatedAt),
	}, nil
}

// Cleanup deletes the remote workflow (best effort, failures logged) and
// unconditionally removes the local record. Reports whether a record existed.
func (e *Engine) Cleanup(ctx context.Context, sandboxID string) bool {
	e.mu.Lock()
	sb, ok := e.sandboxes[sandboxID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	if err := e.client.DeleteWorkflow(ctx, sb.RemoteID); err != nil {
		e.logger.WarnContext(ctx, "remote sandbox delete failed",
			slog.String("sandbox_id", sandboxID),
			slog.String("remote_id", sb.RemoteID),
			slog.String("error", err.Error()),
		)
	}

	e.mu.Lock()
	delete(e.sandboxes, sandboxID)
	active := len(e.sandboxes)
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.SetActiveSandboxes(active)
	}
	e.logger.InfoContext(ctx, "sandbox cleaned up", slog.String("sandbox_id", sandboxID))
	return true
}

// Sweep reaps every sandbox whose deadline has passed and returns the count.
// Runs on a fixed schedule as a background maintenance job.
func (e *Engine) Sweep(ctx context.Context) int {
	now := time.Now()

	e.mu.Lock()
	var expired []string
	for id, sb := range e.sandboxes {
		if now.After(sb.ExpiresAt) {
			sb.Status = StatusExpired
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		e.Cleanup(ctx, id)
	}
	if len(expired) > 0 {
		e.logger.InfoContext(ctx, "sandbox sweep", slog.Int("expired", len(expired)))
	}
	return len(expired)
}

// Shutdown attempts cleanup of every still-registered sandbox. Called once
// on process exit, after the periodic sweep has been stopped.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sandboxes))
	for id := range e.sandboxes {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cleanup(ctx, id)
	}
	e.logger.InfoContext(ctx, "sandbox engine shut down", slog.Int("cleaned", len(ids)))
}

// promoteExpiredLocked flips a sandbox past its deadline to expired.
// Must be called with e.mu held. Returns true when the sandbox is expired.
func (e *Engine) promoteExpiredLocked(sb *Sandbox) bool {
	if sb.Status == StatusExpired {
		return true
	}
	if time.Now().After(sb.ExpiresAt) {
		sb.Status = StatusExpired
		return true
	}
	return false
}

func (e *Engine) setStatus(sandboxID string, status Status) {
	e.mu.Lock()
	if sb, ok := e.sandboxes[sandboxID]; ok {
		sb.Status = status
	}
	e.mu.Unlock()
}

func (e *Engine) recordExecution(status string, duration time.Duration) {
	if e.recorder != nil {
		e.recorder.RecordSandboxExecution(status, duration.Seconds())
	}
}
