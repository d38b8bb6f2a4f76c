package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowgate-io/flowgate/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPEngineClientCreateWorkflow(t *testing.T) {
	var gotPath, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Engine-Api-Key")

		var body workflow.Workflow
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if body.Name == "" {
			t.Error("expected workflow name in request body")
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "wf-77"})
	}))
	defer server.Close()

	client := NewHTTPEngineClient(server.URL, "secret", discardLogger())
	id, err := client.CreateWorkflow(context.Background(), testWorkflow())
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if id != "wf-77" {
		t.Errorf("expected id wf-77, got %q", id)
	}
	if gotPath != "/api/v1/workflows" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
}

func TestHTTPEngineClientCreateWorkflowNoID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client := NewHTTPEngineClient(server.URL, "", discardLogger())
	if _, err := client.CreateWorkflow(context.Background(), testWorkflow()); err == nil {
		t.Fatal("expected error when engine returns no id")
	}
}

func TestHTTPEngineClientExecuteWorkflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows/wf-1/run" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Execution{
			ID: "exec-5", Finished: true, Status: "success",
			NodeRuns: map[string]NodeRun{"n1": {Success: true}},
		})
	}))
	defer server.Close()

	client := NewHTTPEngineClient(server.URL, "", discardLogger())
	exec, err := client.ExecuteWorkflow(context.Background(), "wf-1", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if exec.ID != "exec-5" || !exec.Finished {
		t.Errorf("unexpected execution %+v", exec)
	}
	if _, ok := exec.NodeRuns["n1"]; !ok {
		t.Error("expected node run for n1")
	}
}

func TestHTTPEngineClientExecuteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPEngineClient(server.URL, "", discardLogger())
	if _, err := client.ExecuteWorkflow(context.Background(), "wf-1", nil); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestHTTPEngineClientDeleteTreats404AsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewHTTPEngineClient(server.URL, "", discardLogger())
	if err := client.DeleteWorkflow(context.Background(), "gone"); err != nil {
		t.Fatalf("404 delete should succeed, got %v", err)
	}
}

func TestHTTPEngineClientDeleteOtherErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewHTTPEngineClient(server.URL, "", discardLogger())
	if err := client.DeleteWorkflow(context.Background(), "wf-1"); err == nil {
		t.Fatal("expected error on 403")
	}
}
