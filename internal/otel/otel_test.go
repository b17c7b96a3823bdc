package otel_test

import (
	"context"
	"testing"

	"github.com/basket/fleetd/internal/otel"
)

func TestInit_DisabledReturnsNoop(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected non-nil noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown noop provider: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init stdout: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.Tracer.Start(context.Background(), "spawn")
	span.End()
}

func TestInit_UnknownExporterRejected(t *testing.T) {
	_, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.SpawnsTotal == nil || m.ActiveTasks == nil || m.RetriesTotal == nil {
		t.Fatal("expected all instruments to be created")
	}
	m.SpawnsTotal.Add(context.Background(), 1)
	m.ActiveTasks.Add(context.Background(), 1)
	m.ActiveTasks.Add(context.Background(), -1)
}
