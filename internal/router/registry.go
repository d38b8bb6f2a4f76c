// Package router selects AI providers for incoming chat requests and
// executes calls with ordered fallback. Caller-supplied BYOK credentials
// produce an isolated single-candidate chain that never falls back to
// configured providers.
package router

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowgate-io/flowgate/internal/llm"
	"github.com/flowgate-io/flowgate/internal/llm/anthropic"
	"github.com/flowgate-io/flowgate/internal/llm/gemini"
	"github.com/flowgate-io/flowgate/internal/llm/openai"
)

// ProviderConfig describes one statically configured provider.
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

// Candidate is one entry in a request's fallback chain. BYOK candidates are
// built per request from caller credentials and never registered.
type Candidate struct {
	Name     string
	Model    string
	Provider llm.Provider
	BYOK     bool
}

// Registry holds the configured provider candidates in their configured
// order. It is immutable after construction.
type Registry struct {
	candidates []*Candidate
	logger     *slog.Logger
}

// NewRegistry builds clients for every configured provider. Providers whose
// client cannot be built are skipped with a warning; an empty registry is
// legal and leaves the router usable for BYOK calls only.
func NewRegistry(configs []ProviderConfig, logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	for _, cfg := range configs {
		candidate, err := buildCandidate(cfg, logger)
		if err != nil {
			logger.Warn("skipping provider",
				slog.String("provider", cfg.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.candidates = append(r.candidates, candidate)
		logger.Info("provider registered",
			slog.String("provider", cfg.Name),
			slog.String("model", cfg.Model),
		)
	}
	return r
}

// Candidates returns the configured fallback chain in registration order.
func (r *Registry) Candidates() []*Candidate {
	out := make([]*Candidate, len(r.candidates))
	copy(out, r.candidates)
	return out
}

// Lookup finds a configured candidate by provider name.
func (r *Registry) Lookup(name string) (*Candidate, bool) {
	for _, c := range r.candidates {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Len reports how many providers are configured.
func (r *Registry) Len() int {
	return len(r.candidates)
}

func buildCandidate(cfg ProviderConfig, logger *slog.Logger) (*Candidate, error) {
	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Candidate{Name: cfg.Name, Model: cfg.Model, Provider: provider}, nil
}

// buildProvider constructs the wire client for a provider name. Ollama is an
// OpenAI-compatible endpoint with no credential.
func buildProvider(cfg ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch name {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: missing api key")
		}
		opts := []openai.Option{}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.NewClient(cfg.APIKey, cfg.Model, logger, opts...), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: missing api key")
		}
		opts := []anthropic.Option{}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.NewClient(cfg.APIKey, cfg.Model, logger, opts...), nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini: missing api key")
		}
		opts := []gemini.Option{}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.NewClient(cfg.APIKey, cfg.Model, logger, opts...), nil
	case "ollama":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("ollama: missing base url")
		}
		return openai.NewClient(cfg.APIKey, cfg.Model, logger,
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// buildBYOK constructs a single-use candidate from caller credentials. The
// BYOK flag on the candidate is what keeps it out of fallback handling.
func buildBYOK(providerName, apiKey, model string, logger *slog.Logger) (*Candidate, error) {
	cfg := ProviderConfig{Name: providerName, APIKey: apiKey, Model: model}
	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("byok provider: %w", err)
	}
	return &Candidate{
		Name:     "byok:" + strings.ToLower(providerName),
		Model:    model,
		Provider: provider,
		BYOK:     true,
	}, nil
}
