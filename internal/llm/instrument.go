package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/autofleet/autofleet/internal/metrics"
	"github.com/autofleet/autofleet/internal/tracing"
)

// Instrumented decorates a Client with Prometheus counters and an OTel
// span per completion call.
type Instrumented struct {
	inner Client
	m     *metrics.Metrics
}

// WithMetrics wraps client so every call is measured. A nil metrics
// handle returns the client unchanged.
func WithMetrics(client Client, m *metrics.Metrics) Client {
	if m == nil {
		return client
	}
	return &Instrumented{inner: client, m: m}
}

func (i *Instrumented) Complete(ctx context.Context, req Request) (Response, error) {
	tracer := tracing.Tracer("llm")
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.json_mode", req.JSONMode),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	start := time.Now()
	resp, err := i.inner.Complete(ctx, req)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		i.m.RecordLLMRequest(false, elapsed, 0, 0)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	i.m.RecordLLMRequest(true, elapsed, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	return resp, nil
}
