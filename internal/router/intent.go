package router

import "strings"

// Action is a coarse classification of what the user is asking for. It
// labels telemetry and audit records only; routing never branches on it.
type Action string

const (
	ActionGenerate     Action = "generate_workflow"
	ActionExplainError Action = "explain_error"
	ActionOptimize     Action = "optimize_workflow"
	ActionChat         Action = "chat"
)

var actionKeywords = []struct {
	action   Action
	keywords []string
}{
	{ActionGenerate, []string{"create", "generate", "build", "make me", "new workflow"}},
	{ActionExplainError, []string{"error", "fail", "broken", "not working", "why does", "debug"}},
	{ActionOptimize, []string{"optimize", "improve", "faster", "simplify", "refactor"}},
}

// DetectAction classifies the latest user message by keyword. First match
// in declaration order wins; anything unmatched is generic chat.
func DetectAction(message string) Action {
	m := strings.ToLower(message)
	for _, group := range actionKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(m, kw) {
				return group.action
			}
		}
	}
	return ActionChat
}
