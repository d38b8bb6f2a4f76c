package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProviderError is a failed provider call. Retryable tells the router
// whether the next candidate in the fallback chain may be tried; adapters
// mark every upstream failure retryable and the router downgrades it for
// BYOK candidates, which must never fall through to another provider.
type ProviderError struct {
	Provider   string
	StatusCode int    // Zero when the HTTP exchange never completed.
	Message    string // Provider-reported message when available.
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// NewAPIError builds a retryable ProviderError from a non-success HTTP
// response, extracting the provider-reported message when the body is the
// common {"error":{"message":...}} shape.
func NewAPIError(provider string, status int, body []byte) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    extractAPIMessage(body),
		Retryable:  true,
	}
}

// Fatal returns a copy of err marked non-retryable.
func (e *ProviderError) Fatal() *ProviderError {
	clone := *e
	clone.Retryable = false
	return &clone
}

// IsRetryable reports whether err allows falling through to the next
// candidate. Errors that are not ProviderErrors are treated as retryable:
// a transport-level failure on one provider says nothing about the others.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// extractAPIMessage pulls a human-readable message out of a provider error
// body. Falls back to the raw body when the shape is unrecognized.
func extractAPIMessage(body []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped.Error.Message != "" {
			return wrapped.Error.Message
		}
		if wrapped.Message != "" {
			return wrapped.Message
		}
	}
	return string(body)
}
