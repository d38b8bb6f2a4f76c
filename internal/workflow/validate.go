package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidWorkflow wraps every structural validation failure.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Validate checks a workflow's structure before it may be sandboxed.
// All problems are collected into a single combined error so the caller
// sees everything wrong at once.
func Validate(w *Workflow) error {
	if w == nil {
		return fmt.Errorf("%w: workflow is nil", ErrInvalidWorkflow)
	}

	var problems []string

	if strings.TrimSpace(w.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(w.Nodes) == 0 {
		problems = append(problems, "at least one node is required")
	}

	ids := make(map[string]bool, len(w.Nodes))
	for i, n := range w.Nodes {
		if n.ID == "" {
			problems = append(problems, fmt.Sprintf("node %d: id is required", i))
			continue
		}
		if ids[n.ID] {
			problems = append(problems, fmt.Sprintf("node %q: duplicate id", n.ID))
		}
		ids[n.ID] = true
		if n.Type == "" {
			problems = append(problems, fmt.Sprintf("node %q: type is required", n.ID))
		}
	}

	for sourceID, conns := range w.Connections {
		if !ids[sourceID] {
			problems = append(problems, fmt.Sprintf("connection source %q: unknown node", sourceID))
		}
		for _, conn := range conns {
			if !ids[conn.TargetID] {
				problems = append(problems, fmt.Sprintf("connection %q -> %q: unknown target", sourceID, conn.TargetID))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(problems, "; "))
	}
	return nil
}
