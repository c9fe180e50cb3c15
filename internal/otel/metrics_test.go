package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.TasksInFlight == nil {
		t.Error("TasksInFlight is nil")
	}
	if m.TasksCompleted == nil {
		t.Error("TasksCompleted is nil")
	}
	if m.TasksFailed == nil {
		t.Error("TasksFailed is nil")
	}
	if m.TasksCancelled == nil {
		t.Error("TasksCancelled is nil")
	}
	if m.TasksRetried == nil {
		t.Error("TasksRetried is nil")
	}
	if m.ReadyQueueDepth == nil {
		t.Error("ReadyQueueDepth is nil")
	}
	if m.DedupClaims == nil {
		t.Error("DedupClaims is nil")
	}
	if m.DedupResiduals == nil {
		t.Error("DedupResiduals is nil")
	}
	if m.CheckpointDuration == nil {
		t.Error("CheckpointDuration is nil")
	}
	if m.ExchangeBytes == nil {
		t.Error("ExchangeBytes is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
