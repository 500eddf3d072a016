package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("TraceID = %q, want trace-1", got)
	}
}

func TestTraceIDAbsent(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace IDs should be unique")
	}
}
