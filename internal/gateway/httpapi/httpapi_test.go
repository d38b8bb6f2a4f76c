package httpapi

import (
	"testing"

	"github.com/flowgate-io/flowgate/internal/llm"
)

func TestBuildTranscriptSingleMessage(t *testing.T) {
	msgs, err := buildTranscript(&ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("buildTranscript: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestBuildTranscriptFullConversation(t *testing.T) {
	msgs, err := buildTranscript(&ChatRequest{
		Message: "ignored",
		Messages: []ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "bye"},
		},
	})
	if err != nil {
		t.Fatalf("buildTranscript: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("expected system role first, got %q", msgs[0].Role)
	}
	if msgs[3].Content != "bye" {
		t.Errorf("expected last message preserved, got %q", msgs[3].Content)
	}
}

func TestBuildTranscriptRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		req  ChatRequest
	}{
		{"empty request", ChatRequest{}},
		{"unknown role", ChatRequest{Messages: []ChatMessage{{Role: "bot", Content: "hi"}}}},
		{"empty content", ChatRequest{Messages: []ChatMessage{{Role: "user", Content: ""}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildTranscript(&tc.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNewCorrelationID(t *testing.T) {
	a := newCorrelationID()
	b := newCorrelationID()
	if len(a) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("correlation IDs should not repeat")
	}
}
