package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestNew_DisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig("memsync"), zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.Nil(t, tel.LoggerProvider())
	assert.False(t, tel.IsEnabled())

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true}, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_WithExporters(t *testing.T) {
	cfg := NewDefaultConfig("memsync")
	cfg.Enabled = true
	spans := tracetest.NewInMemoryExporter()
	metrics := &recordingExporter{}

	tel, err := New(context.Background(), cfg, zap.NewNop(),
		WithTraceExporter(spans), WithMetricExporter(metrics))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.NotNil(t, tel.LoggerProvider())

	_, span := tel.Tracer("memsync.test").Start(context.Background(), "sync.cycle")
	span.End()
	require.NoError(t, tel.ForceFlush(context.Background()))
	require.Len(t, spans.GetSpans(), 1)
	assert.Equal(t, "sync.cycle", spans.GetSpans()[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
	assert.False(t, tel.IsEnabled())
	assert.Positive(t, metrics.exports, "shutdown flushes the periodic reader")
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := NewDefaultConfig("memsync")
	cfg.Enabled = true
	cfg.MetricsInterval = 0

	tel, err := New(context.Background(), cfg, zap.NewNop(), WithTraceExporter(tracetest.NewInMemoryExporter()))
	require.NoError(t, err)
	assert.Nil(t, tel.meterProvider)
	assert.NotNil(t, tel.tracerProvider)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
	assert.NotEmpty(t, health.Reason)
}

func TestTelemetry_Degraded(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig("memsync"), nil)
	require.NoError(t, err)
	tel.setDegraded(assert.AnError)

	health := tel.Health()
	assert.True(t, health.Degraded)
	assert.Equal(t, assert.AnError.Error(), health.Reason)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	t.Run("spans", func(t *testing.T) {
		_, span := tt.Tracer("memsync.test").Start(ctx, "index.rebuild")
		span.SetAttributes(attribute.String("reason", "manual"), attribute.Int("records", 3))
		span.End()

		tt.AssertSpanExists(t, "index.rebuild")
		tt.AssertSpanAttribute(t, "index.rebuild", "reason", "manual")
		tt.AssertSpanAttribute(t, "index.rebuild", "records", int64(3))
		assert.Nil(t, tt.SpanByName("missing"))
	})

	t.Run("metrics", func(t *testing.T) {
		counter, err := tt.Meter("memsync.test").Int64Counter("memsync.test.events")
		require.NoError(t, err)
		counter.Add(ctx, 2)
		counter.Add(ctx, 3)

		m, ok := tt.Metric(ctx, "memsync.test.events")
		require.True(t, ok)
		assert.Equal(t, "memsync.test.events", m.Name)
		_, ok = tt.Metric(ctx, "memsync.test.missing")
		assert.False(t, ok)
	})
}

// recordingExporter counts metric exports and drops the data.
type recordingExporter struct {
	exports int
}

func (r *recordingExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (r *recordingExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (r *recordingExporter) Export(context.Context, *metricdata.ResourceMetrics) error {
	r.exports++
	return nil
}

func (r *recordingExporter) ForceFlush(context.Context) error { return nil }
func (r *recordingExporter) Shutdown(context.Context) error   { return nil }
