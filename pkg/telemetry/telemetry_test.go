package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)
	assert.Nil(t, tel.MeterProvider)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ExportsMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojostore-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("store.test.ops")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "Store.Checkpoint")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "store_test_ops")
	assert.Contains(t, string(body), "go_goroutines")
}
