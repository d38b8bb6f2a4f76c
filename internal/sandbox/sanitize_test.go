package sandbox

import (
	"strings"
	"testing"

	"github.com/flowgate-io/flowgate/internal/workflow"
)

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name:   "Customer Notifier",
		Active: true,
		Nodes: []workflow.Node{
			{ID: "n1", Name: "Incoming Hook", Type: workflow.TypeWebhook,
				Parameters: map[string]any{"path": "customer-hook"}},
			{ID: "n2", Name: "Fetch Order", Type: workflow.TypeHTTPRequest,
				Parameters: map[string]any{"url": "https://orders.internal/api", "method": "GET"}},
			{ID: "n3", Name: "Notify", Type: workflow.TypeEmailSend,
				Parameters: map[string]any{"to": "ops@example.com"}},
		},
		Connections: map[string][]workflow.Connection{
			"n1": {{TargetID: "n2"}},
			"n2": {{TargetID: "n3"}},
		},
	}
}

func TestSanitizeRedirectsHTTPByDefault(t *testing.T) {
	w := testWorkflow()
	got, report := Sanitize(w, Options{}, DefaultSafeEndpoint)

	node := findNode(t, got, "n2")
	if url := node.Parameters["url"]; url != DefaultSafeEndpoint {
		t.Errorf("expected url %q, got %v", DefaultSafeEndpoint, url)
	}
	if report.RedirectedHTTP != 1 {
		t.Errorf("expected 1 redirected HTTP node, got %d", report.RedirectedHTTP)
	}
	// The original must be untouched.
	if w.Nodes[1].Parameters["url"] != "https://orders.internal/api" {
		t.Error("original workflow was mutated")
	}
}

func TestSanitizeKeepsHTTPWhenOptedOut(t *testing.T) {
	disable := false
	got, report := Sanitize(testWorkflow(), Options{DisableExternalCalls: &disable}, DefaultSafeEndpoint)

	node := findNode(t, got, "n2")
	if url := node.Parameters["url"]; url != "https://orders.internal/api" {
		t.Errorf("url should be preserved on opt-out, got %v", url)
	}
	if report.RedirectedHTTP != 0 {
		t.Errorf("expected no redirected nodes, got %d", report.RedirectedHTTP)
	}
}

func TestSanitizeDisablesSideEffectNodes(t *testing.T) {
	got, report := Sanitize(testWorkflow(), Options{}, DefaultSafeEndpoint)

	node := findNode(t, got, "n3")
	if !node.Disabled {
		t.Error("email node should be disabled")
	}
	if len(report.DisabledNodes) != 1 {
		t.Errorf("expected 1 disabled node, got %v", report.DisabledNodes)
	}
}

func TestSanitizeRewritesWebhookPath(t *testing.T) {
	first, _ := Sanitize(testWorkflow(), Options{}, DefaultSafeEndpoint)
	second, _ := Sanitize(testWorkflow(), Options{}, DefaultSafeEndpoint)

	p1, _ := findNode(t, first, "n1").Parameters["path"].(string)
	p2, _ := findNode(t, second, "n1").Parameters["path"].(string)

	if p1 == "customer-hook" {
		t.Error("webhook path should be replaced")
	}
	if !strings.HasPrefix(p1, "sandbox/") {
		t.Errorf("webhook path should carry sandbox prefix, got %q", p1)
	}
	if p1 == p2 {
		t.Error("webhook paths should be unpredictable per sandbox")
	}
}

func TestSanitizeMarksWorkflow(t *testing.T) {
	got, _ := Sanitize(testWorkflow(), Options{}, DefaultSafeEndpoint)

	if got.Active {
		t.Error("sanitized workflow must be inactive")
	}
	if got.ID != "" {
		t.Error("sanitized workflow must not keep the source ID")
	}
	if !strings.HasPrefix(got.Name, NamePrefix) {
		t.Errorf("workflow name should carry %q, got %q", NamePrefix, got.Name)
	}
	for _, n := range got.Nodes {
		if !strings.HasPrefix(n.Name, NamePrefix) {
			t.Errorf("node %s should carry name prefix, got %q", n.ID, n.Name)
		}
	}
	if !hasTag(got, "sandbox") || !hasTag(got, "test") {
		t.Errorf("expected sandbox and test tags, got %v", got.Tags)
	}
}

func TestSanitizeAppliesMockData(t *testing.T) {
	w := testWorkflow()
	w.Nodes = append(w.Nodes, workflow.Node{
		ID: "n0", Name: "Start", Type: workflow.TypeManualTrigger,
	})
	mock := map[string]any{"order": "42"}
	got, _ := Sanitize(w, Options{MockData: mock}, DefaultSafeEndpoint)

	if got.PinData == nil {
		t.Fatal("expected pin data to be set")
	}
	if _, ok := got.PinData["n0"]; !ok {
		t.Errorf("expected pin data for trigger node n0, got %v", got.PinData)
	}
}

func findNode(t *testing.T, w *workflow.Workflow, id string) *workflow.Node {
	t.Helper()
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	t.Fatalf("node %s not found", id)
	return nil
}

func hasTag(w *workflow.Workflow, tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
