package llm

import (
	"context"

	"github.com/autofleet/autofleet/internal/common/config"
)

// Defaulted decorates a Client, filling request fields the caller left
// unset from the provider configuration. Kernels only pick the model;
// token ceilings and temperature come from config or the per-task
// override.
type Defaulted struct {
	inner       Client
	model       string
	maxTokens   int
	temperature float32
}

// WithDefaults wraps client with fallback request parameters.
func WithDefaults(client Client, cfg *config.LLMConfig) Client {
	if cfg == nil {
		return client
	}
	return &Defaulted{
		inner:       client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
	}
}

func (d *Defaulted) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		req.Model = d.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = d.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = d.temperature
	}
	return d.inner.Complete(ctx, req)
}
