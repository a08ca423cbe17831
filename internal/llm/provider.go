// Package llm provides completion providers for the turn controller.
// All narration LLM traffic flows through the Provider interface so the
// controller can be tested with fakes and budgets can be audited.
package llm

import (
	"context"
	"fmt"
	"time"

	"gmkit/internal/logging"
)

// Provider is the single completion operation the controller consumes.
type Provider interface {
	Complete(ctx context.Context, system, user string, temperature float64) (string, error)
}

// Config holds provider construction parameters.
type Config struct {
	Provider string // "openai" or "gemini"
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// NewProvider creates a provider based on configuration.
func NewProvider(cfg Config) (Provider, error) {
	logging.LLM("Creating LLM provider: provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (use 'openai' or 'gemini')", cfg.Provider)
	}
}
