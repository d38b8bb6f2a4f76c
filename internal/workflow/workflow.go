// Package workflow defines the automation workflow document exchanged with
// the external workflow engine, and the structural validation applied before
// a generated workflow is accepted for sandboxing.
package workflow

import "encoding/json"

// Node type identifiers recognized by the sanitizer and validator.
const (
	TypeHTTPRequest   = "httpRequest"
	TypeEmailSend     = "emailSend"
	TypeSlack         = "slack"
	TypeWhatsApp      = "whatsapp"
	TypeWebhook       = "webhook"
	TypeManualTrigger = "manualTrigger"
)

// Workflow is an automation definition as understood by the workflow engine.
type Workflow struct {
	ID          string                  `json:"id,omitempty"`
	Name        string                  `json:"name"`
	Active      bool                    `json:"active"`
	Nodes       []Node                  `json:"nodes"`
	Connections map[string][]Connection `json:"connections,omitempty"` // Keyed by source node ID.
	Settings    map[string]any          `json:"settings,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	PinData     map[string]any          `json:"pinData,omitempty"` // Mock input keyed by node ID.
}

// Node is a single step in a workflow.
type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Disabled   bool           `json:"disabled,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Connection links a source node output to a target node input.
type Connection struct {
	TargetID string `json:"target"`
	Output   int    `json:"output,omitempty"`
}

// Clone returns a deep copy via a JSON round-trip. The document is
// JSON-shaped by construction, so the round-trip is lossless.
func (w *Workflow) Clone() *Workflow {
	data, _ := json.Marshal(w)
	var clone Workflow
	_ = json.Unmarshal(data, &clone)
	return &clone
}

// NodesOfType returns the nodes matching the given type identifier.
func (w *Workflow) NodesOfType(nodeType string) []*Node {
	var out []*Node
	for i := range w.Nodes {
		if w.Nodes[i].Type == nodeType {
			out = append(out, &w.Nodes[i])
		}
	}
	return out
}
