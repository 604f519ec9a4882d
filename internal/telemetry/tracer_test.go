// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, ExporterType: "grpc"})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))

	_, span := Tracer("test").Start(context.Background(), "noop-check")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, ExporterType: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type: zipkin")
}

func TestNewProvider_ExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProvider(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "epgrec",
		ServiceVersion: "test",
		SamplingRate:   1,
	}, WithExporter(exp))
	require.NoError(t, err)
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	require.True(t, p.Enabled())

	_, span := Tracer("epgrec/dvr").Start(context.Background(), "dvr.recompute")
	span.SetAttributes(CycleAttributes("c-1", "epg")...)
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "dvr.recompute", spans[0].Name)
	verifyAttribute(t, spans[0].Attributes, CycleIDKey, "c-1")

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_InstallsPropagator(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	_, err := NewProvider(context.Background(), Config{Enabled: true, SamplingRate: 1}, WithExporter(exp))
	require.NoError(t, err)
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	ctx, span := Tracer("test").Start(context.Background(), "dispatch.start")
	defer span.End()

	h := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	assert.Contains(t, h.Get("Traceparent"), span.SpanContext().TraceID().String())
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		desc := newSampler(tt.rate).Description()
		assert.Contains(t, desc, "ParentBased{root:"+tt.want, "rate %v", tt.rate)
	}
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))

	assert.NoError(t, (&Provider{}).Shutdown(context.Background()))
}
