package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowgate-io/flowgate/internal/llm"
	"github.com/flowgate-io/flowgate/internal/router"
)

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and
// anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an AI provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.chat",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.Chat(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.ProviderRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.ProviderRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.TokensUsedTotal.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.TokensUsedTotal.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_request")
		} else {
			p.anomaly.RecordSuccess("llm_request")
		}
	}

	return resp, err
}

// Compile-time interface check.
var _ llm.Provider = (*InstrumentedProvider)(nil)

// InstrumentedUsageRecorder wraps a router.UsageRecorder so that every
// recorded request feeds the per-tenant cost counter and the anomaly
// detector's spend window before reaching the underlying sink.
type InstrumentedUsageRecorder struct {
	inner   router.UsageRecorder
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewInstrumentedUsageRecorder wraps a usage sink with cost accounting.
// metrics and anomaly may be nil.
func NewInstrumentedUsageRecorder(inner router.UsageRecorder, metrics *MetricsCollector, anomaly *AnomalyDetector) *InstrumentedUsageRecorder {
	return &InstrumentedUsageRecorder{
		inner:   inner,
		metrics: metrics,
		anomaly: anomaly,
	}
}

func (u *InstrumentedUsageRecorder) RecordUsage(ctx context.Context, rec router.UsageRecord) {
	if u.metrics != nil && rec.CostUSD > 0 {
		u.metrics.RequestCostTotal.WithLabelValues(rec.TenantID).Add(rec.CostUSD)
	}
	u.anomaly.RecordCostSpend(rec.TenantID, rec.CostUSD)
	u.inner.RecordUsage(ctx, rec)
}

var _ router.UsageRecorder = (*InstrumentedUsageRecorder)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
