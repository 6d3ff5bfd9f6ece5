package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

func TestInitProviderDisabledIsNoop(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := StartRunSpan(context.Background(), "plan-1", 3)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitProviderEnabledWithoutEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 0.5

	shutdown, err := InitProvider(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		_, _ = InitProvider(context.Background(), DefaultConfig())
	})

	assert.IsType(t, &sdktrace.TracerProvider{}, TracerProvider())
}

func TestSpanHelpersRecordStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	providerMu.Lock()
	prev := globalProvider
	globalProvider = tp
	providerMu.Unlock()
	t.Cleanup(func() {
		providerMu.Lock()
		globalProvider = prev
		providerMu.Unlock()
	})

	_, ok := StartCallSpan(context.Background(), "dns_resolve", "batch")
	RecordSuccess(ok)
	ok.End()

	_, bad := StartStepSpan(context.Background(), "s1", "E1", "tcp_probe")
	RecordError(bad, errors.NewTimeoutError("tcp_probe", time.Second))
	RecordError(bad, nil)
	bad.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "adapter.call", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "scheduler.step", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	var code string
	for _, a := range spans[1].Attributes() {
		if a.Key == "error.code" {
			code = a.Value.AsString()
		}
	}
	assert.Equal(t, "EXEC-004", code)
}

type flakyExporter struct {
	calls atomic.Int32
	fails int32
}

func (f *flakyExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	if f.calls.Add(1) <= f.fails {
		return fmt.Errorf("collector unavailable")
	}
	return nil
}

func (f *flakyExporter) Shutdown(context.Context) error { return nil }

func TestRetryingExporterRecoversAndTrips(t *testing.T) {
	inner := &flakyExporter{fails: 2}
	re := &retryingExporter{SpanExporter: inner, breaker: newBreaker()}

	require.NoError(t, re.ExportSpans(context.Background(), nil))
	assert.Equal(t, int32(3), inner.calls.Load())

	b := newBreaker()
	now := time.Now()
	b.now = func() time.Time { return now }
	for i := 0; i < b.threshold; i++ {
		b.record(fmt.Errorf("down"))
	}
	assert.False(t, b.allow())

	now = now.Add(time.Minute)
	assert.True(t, b.allow())
	b.record(nil)
	assert.True(t, b.allow())
}
