package otel

import (
	"context"
	"testing"
)

func initNone(t *testing.T, cfg Config) *Provider {
	t.Helper()
	cfg.Enabled = true
	if cfg.Exporter == "" {
		cfg.Exporter = "none"
	}
	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still hand out noop tracer and meter")
	}
	// Shutdown of a noop provider must not error.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p := initNone(t, Config{})
	if p.TracerProvider == nil {
		t.Fatal("expected a real TracerProvider when enabled")
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected tracer and meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_ConfigVariants(t *testing.T) {
	// None of these should fail init; they only tweak resource and sampler.
	for _, cfg := range []Config{
		{},
		{ServiceName: "scheduler-under-test"},
		{SampleRate: 0.25},
	} {
		initNone(t, cfg)
	}
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p := initNone(t, Config{MetricsEnabled: &off})
	if p.Meter == nil {
		t.Fatal("meter should fall back to noop, not nil")
	}
	// The noop meter must still satisfy instrument construction.
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
}

func TestInit_TracerCreatesSpans(t *testing.T) {
	p := initNone(t, Config{})
	_, span := p.Tracer.Start(context.Background(), "run.execute")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
}

func TestSpanHelpers(t *testing.T) {
	p := initNone(t, Config{})

	_, span := StartSpan(context.Background(), p.Tracer, "graph.admit",
		AttrRunID.String("run-1"),
		AttrTaskID.String("task-a"),
	)
	span.End()

	_, srvSpan := StartServerSpan(context.Background(), p.Tracer, "gateway.status")
	srvSpan.End()

	_, cliSpan := StartClientSpan(context.Background(), p.Tracer, "dedup.claim",
		AttrDedupNS.String("tickets"),
	)
	cliSpan.End()
}
