package provider

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const costMeterName = "github.com/harrier-ai/harrier/internal/provider"

var (
	costRequestHistogram  metric.Float64Histogram
	costMetricsOnce       sync.Once
	costMetricsRegistered bool
)

func initCostMetrics() {
	meter := otel.Meter(costMeterName)
	var err error
	costRequestHistogram, err = meter.Float64Histogram(
		"harrier.cost.request",
		metric.WithDescription("Cost in EUR per provider request"),
		metric.WithUnit("eur"),
	)
	if err != nil {
		return
	}
	costMetricsRegistered = true
}

// RecordCostMetrics records cost per request after a provider call.
// cached requests are recorded at zero cost so hit rates stay visible.
func RecordCostMetrics(ctx context.Context, costEUR float64, providerName, model string, cached bool) {
	costMetricsOnce.Do(initCostMetrics)
	if !costMetricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", model),
		attribute.Bool("cached", cached),
	)
	costRequestHistogram.Record(ctx, costEUR, attrs)
}
