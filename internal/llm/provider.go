// Package llm defines the provider-agnostic interface for chat completions.
package llm

import "context"

// Provider is the abstraction over any AI backend (Anthropic, OpenAI, etc.).
type Provider interface {
	// Chat sends a conversation to the provider and returns its response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// ChatRequest represents a full conversation sent to a provider.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int     // Zero = provider default.
	Temperature float64 // Sampling temperature. Zero = provider default.
}

// UserPrompt returns the content of the most recent user message,
// or the empty string when the conversation has none.
func (r *ChatRequest) UserPrompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatResponse is what a provider returns.
type ChatResponse struct {
	Content    string
	Model      string // Model that actually served the request.
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
