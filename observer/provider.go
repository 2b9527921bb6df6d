package observer

import (
	"context"
	"time"

	germinal "github.com/edwiny/germinal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a germinal.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner germinal.Provider
	inst  *Instruments
	model string
}

var _ germinal.Provider = (*ObservedProvider)(nil)

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs for every chat call.
func WrapProvider(inner germinal.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req germinal.ChatRequest) (germinal.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("llm.provider", o.inner.Name()),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.record(ctx, span, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, status string, durationMs float64, usage germinal.Usage) {
	modelAttrs := metric.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("llm.provider", o.inner.Name()),
	)

	span.SetAttributes(
		attribute.Int("llm.tokens.prompt", usage.PromptTokens),
		attribute.Int("llm.tokens.completion", usage.CompletionTokens),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("direction", "output"),
	))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, modelAttrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.prompt", usage.PromptTokens),
		otellog.Int("llm.tokens.completion", usage.CompletionTokens),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
