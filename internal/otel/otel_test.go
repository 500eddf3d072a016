package otel

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider should still expose tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
