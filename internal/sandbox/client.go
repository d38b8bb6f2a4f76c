package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowgate-io/flowgate/internal/workflow"
)

// EngineClient is the outbound interface to the external workflow engine.
// Three operations are consumed: create, execute, delete.
type EngineClient interface {
	// CreateWorkflow submits a workflow definition and returns the
	// engine-assigned id.
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) (string, error)
	// ExecuteWorkflow runs a previously created workflow with optional
	// input and returns the raw execution report.
	ExecuteWorkflow(ctx context.Context, id string, input map[string]any) (*Execution, error)
	// DeleteWorkflow removes a workflow. Idempotent: deleting a workflow
	// the engine no longer knows is not an error.
	DeleteWorkflow(ctx context.Context, id string) error
}

// Execution is the engine's raw execution report.
type Execution struct {
	ID       string             `json:"id"`
	Finished bool               `json:"finished"`
	Status   string             `json:"status,omitempty"`
	Error    string             `json:"error,omitempty"`
	Output   any                `json:"output,omitempty"`
	NodeRuns map[string]NodeRun `json:"nodeRuns,omitempty"`
}

// NodeRun is the per-node portion of an execution report.
type NodeRun struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HTTPEngineClient talks to the workflow engine's REST API.
type HTTPEngineClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPEngineClient creates a client for the workflow engine at baseURL.
// The HTTP client timeout is a transport safety net; per-call deadlines come
// from the caller's context.
func NewHTTPEngineClient(baseURL, apiKey string, logger *slog.Logger) *HTTPEngineClient {
	return &HTTPEngineClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

// CreateWorkflow submits the definition via POST /api/v1/workflows.
func (c *HTTPEngineClient) CreateWorkflow(ctx context.Context, w *workflow.Workflow) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows", w, &created); err != nil {
		return "", fmt.Errorf("creating workflow: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("creating workflow: engine returned no id")
	}
	return created.ID, nil
}

// ExecuteWorkflow runs the workflow via POST /api/v1/workflows/{id}/run.
func (c *HTTPEngineClient) ExecuteWorkflow(ctx context.Context, id string, input map[string]any) (*Execution, error) {
	body := map[string]any{}
	if input != nil {
		body["input"] = input
	}
	var exec Execution
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/run", body, &exec); err != nil {
		return nil, fmt.Errorf("executing workflow %s: %w", id, err)
	}
	return &exec, nil
}

// DeleteWorkflow removes the workflow via DELETE /api/v1/workflows/{id}.
// A 404 means the workflow is already gone and is treated as success.
func (c *HTTPEngineClient) DeleteWorkflow(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/workflows/"+id, nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting workflow %s: %w", id, err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.code, e.body)
}

func (c *HTTPEngineClient) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Engine-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}
