package router

import "testing"

func TestDetectAction(t *testing.T) {
	tests := []struct {
		message string
		want    Action
	}{
		{"Create a workflow that syncs invoices", ActionGenerate},
		{"generate something for my CRM", ActionGenerate},
		{"Why does my workflow throw an error?", ActionExplainError},
		{"this node is broken", ActionExplainError},
		{"can you optimize this flow", ActionOptimize},
		{"make it faster please", ActionOptimize},
		{"what is a webhook", ActionChat},
		{"", ActionChat},
	}
	for _, tc := range tests {
		if got := DetectAction(tc.message); got != tc.want {
			t.Errorf("DetectAction(%q) = %s, want %s", tc.message, got, tc.want)
		}
	}
}
