package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		SampleRatio:    0.5,
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.FramesSent.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "parley_frames_sent") {
		t.Errorf("frames counter missing from scrape:\n%s", rec.Body.String())
	}
}

func TestProviderConfig_Sampler(t *testing.T) {
	t.Parallel()
	for _, ratio := range []float64{0, 1, 2} {
		if d := (ProviderConfig{SampleRatio: ratio}).sampler().Description(); !strings.Contains(d, "AlwaysOnSampler") {
			t.Errorf("ratio %v: sampler = %s, want always on", ratio, d)
		}
	}
	if d := (ProviderConfig{SampleRatio: 0.25}).sampler().Description(); !strings.Contains(d, "TraceIDRatioBased") {
		t.Errorf("ratio 0.25: sampler = %s, want ratio based", d)
	}
}

func TestInitProvider_ServiceResource(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	// Same settings as cmd/parley, apart from the registry.
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: "dev",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.FramesSent.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{`service_name="parley"`, `service_version="dev"`} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %s:\n%s", want, body)
		}
	}
}
