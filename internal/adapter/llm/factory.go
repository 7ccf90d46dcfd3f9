// Package llm provides port.Completer implementations backed by Gemini or any
// OpenAI-compatible endpoint, plus helpers for decoding JSON answers.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github-star-miner/internal/port"
)

// Provider names accepted by New.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config selects and configures a provider.
type Config struct {
	Provider         string
	APIKey           string
	Model            string
	Endpoint         string // OpenAI-compatible base URL
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// New builds the configured Completer wrapped in a circuit breaker. The
// returned close function releases provider resources.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (port.Completer, func() error, error) {
	var (
		inner   port.Completer
		closeFn = func() error { return nil }
	)

	switch cfg.Provider {
	case ProviderGemini, "":
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model, logger)
		if err != nil {
			return nil, nil, err
		}
		inner, closeFn = g, g.Close
	case ProviderOpenAI:
		c, err := NewOpenAI(OpenAIConfig{
			Endpoint:    cfg.Endpoint,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			JSONMode:    true,
			Temperature: 0.2,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		inner = c
	default:
		return nil, nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}

	guarded := NewGuarded(inner, BreakerConfig{
		Name:             "llm-" + cfg.Provider,
		FailureThreshold: cfg.BreakerThreshold,
		Timeout:          cfg.BreakerTimeout,
	}, logger)
	return guarded, closeFn, nil
}
