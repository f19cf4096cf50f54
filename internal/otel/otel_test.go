package otel

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	_, span := p.Tracer.Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracer produced a valid span context")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Configs(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "none exporter", cfg: Config{Enabled: true, Exporter: "none"}},
		{name: "stdout exporter", cfg: Config{Enabled: true, Exporter: "stdout", MetricsExporter: "none"}},
		{name: "sample rate", cfg: Config{Enabled: true, Exporter: "none", SampleRate: 0.5, ServiceName: "conductor-test"}},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: "unknown exporter"},
		{name: "unknown metrics exporter", cfg: Config{Enabled: true, Exporter: "none", MetricsExporter: "statsd"}, wantErr: "unknown metrics exporter"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Init(context.Background(), tc.cfg, WithRegisterer(prometheus.NewRegistry()))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil {
				t.Fatal("expected sdk tracer provider")
			}
			_, span := p.Tracer.Start(context.Background(), "probe")
			defer span.End()
			if tc.cfg.SampleRate == 0 && !span.SpanContext().IsValid() {
				t.Fatal("expected a valid span context")
			}
		})
	}
}

func TestInit_PrometheusBridge(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, WithRegisterer(reg))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.ChainSteps.Add(context.Background(), 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.ContainsAny(f.GetName(), ".-") {
			t.Errorf("metric %q is not a classic Prometheus name", f.GetName())
		}
		if f.GetName() == "otel_conductor_chain_steps_total" {
			found = true
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Fatalf("chain steps = %v, want 3", got)
			}
		}
	}
	if !found {
		t.Fatal("otel_conductor_chain_steps_total not exported")
	}
}

func TestExtractHTTP(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsExporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := ExtractHTTP(context.Background(), h)
	_, span := StartServerSpan(ctx, p.Tracer, "GET /api/tasks")
	defer span.End()

	if got := span.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id = %s, want the remote parent's", got)
	}
	if trace.SpanContextFromContext(ctx).SpanID().String() != "00f067aa0ba902b7" {
		t.Fatal("remote span id not extracted")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsExporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	kinds := map[string]func(context.Context, trace.Tracer, string, ...attribute.KeyValue) (context.Context, trace.Span){
		"internal": StartSpan,
		"server":   StartServerSpan,
		"client":   StartClientSpan,
	}
	for name, start := range kinds {
		_, span := start(context.Background(), p.Tracer, "test."+name, AttrTaskKind.String("simulation"))
		if !span.SpanContext().IsValid() {
			t.Errorf("%s span has invalid context", name)
		}
		span.End()
	}
}
