package workflow

import (
	"errors"
	"strings"
	"testing"
)

func validWorkflow() *Workflow {
	return &Workflow{
		Name: "invoice sync",
		Nodes: []Node{
			{ID: "n1", Name: "Trigger", Type: TypeManualTrigger},
			{ID: "n2", Name: "Fetch", Type: TypeHTTPRequest, Parameters: map[string]any{"url": "https://api.example.com"}},
		},
		Connections: map[string][]Connection{
			"n1": {{TargetID: "n2"}},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(validWorkflow()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Nil(t *testing.T) {
	if err := Validate(nil); !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("expected ErrInvalidWorkflow, got %v", err)
	}
}

func TestValidate_CombinesProblems(t *testing.T) {
	w := &Workflow{
		Name: "",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: ""},
			{ID: "n1", Name: "B", Type: TypeHTTPRequest},
		},
		Connections: map[string][]Connection{
			"ghost": {{TargetID: "elsewhere"}},
		},
	}

	err := Validate(w)
	if !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("expected ErrInvalidWorkflow, got %v", err)
	}

	msg := err.Error()
	for _, want := range []string{"name is required", "duplicate id", "type is required", "unknown node", "unknown target"} {
		if !strings.Contains(msg, want) {
			t.Errorf("combined error missing %q: %s", want, msg)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	w := validWorkflow()
	clone := w.Clone()

	clone.Nodes[1].Parameters["url"] = "http://changed.example.com"
	if w.Nodes[1].Parameters["url"] == "http://changed.example.com" {
		t.Error("mutating the clone must not touch the original")
	}
}

func TestNodesOfType(t *testing.T) {
	w := validWorkflow()
	if got := len(w.NodesOfType(TypeHTTPRequest)); got != 1 {
		t.Errorf("expected 1 httpRequest node, got %d", got)
	}
	if got := len(w.NodesOfType(TypeEmailSend)); got != 0 {
		t.Errorf("expected 0 emailSend nodes, got %d", got)
	}
}
