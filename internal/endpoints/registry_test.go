package endpoints

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/store"
)

func newRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	b := bus.New()
	r, err := NewRegistry(context.Background(), kv, b, NewResourceTable(time.Minute))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, b
}

func TestAddIdempotentOnHostPort(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	a, err := r.Add(ctx, "http://gpu1:11434")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := r.Add(ctx, "http://gpu1:11434")
	if err != nil {
		t.Fatalf("Add again: %v", err)
	}
	if a.ID != b.ID || a.ID != "gpu1:11434" || len(r.List()) != 1 {
		t.Fatalf("endpoints = %v", r.List())
	}
	if a.Health != Unknown {
		t.Fatalf("initial health = %q, want unknown", a.Health)
	}
}

func TestAddDefaultsPort(t *testing.T) {
	r, _ := newRegistry(t)
	e, err := r.Add(context.Background(), "http://gpu2")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.ID != "gpu2:11434" {
		t.Fatalf("id = %q", e.ID)
	}
}

func TestHealthThresholds(t *testing.T) {
	r, b := newRegistry(t)
	ctx := context.Background()
	e, _ := r.Add(ctx, "http://gpu1:11434")
	sub := b.Subscribe("endpoint.")
	defer b.Unsubscribe(sub)

	// One failure is not enough.
	_ = r.RecordProbe(ctx, e.ID, false, nil)
	if got := r.List()[0]; got.Health != Unknown || got.ConsecutiveFailures != 1 {
		t.Fatalf("after one failure: %#v", got)
	}
	// The second consecutive failure flips to unhealthy.
	_ = r.RecordProbe(ctx, e.ID, false, nil)
	if got := r.List()[0]; got.Health != Unhealthy {
		t.Fatalf("after two failures: %#v", got)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.EndpointHealthEvent).Health != string(Unhealthy) {
			t.Fatalf("event = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected health change event")
	}

	// A single success restores health and refreshes models.
	_ = r.RecordProbe(ctx, e.ID, true, []string{"llama3.1:8b"})
	got := r.List()[0]
	if got.Health != Healthy || got.ConsecutiveFailures != 0 {
		t.Fatalf("after recovery: %#v", got)
	}
	if len(got.Models) != 1 || got.Models[0] != "llama3.1:8b" {
		t.Fatalf("models = %v", got.Models)
	}
}

func TestSnapshotModelHosts(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	a, _ := r.Add(ctx, "http://gpu1:11434")
	b, _ := r.Add(ctx, "http://gpu2:11434")
	c, _ := r.Add(ctx, "http://gpu3:11434")
	_ = r.RecordProbe(ctx, a.ID, true, []string{"llama3.1:8b", "qwen2.5-coder:14b"})
	_ = r.RecordProbe(ctx, b.ID, true, []string{"llama3.1:8b"})
	// Unhealthy endpoints do not count toward fleet inventory.
	_ = r.RecordProbe(ctx, c.ID, false, nil)
	_ = r.RecordProbe(ctx, c.ID, false, nil)

	snap := r.Snapshot()
	if snap.ModelHosts["llama3.1:8b"] != 2 || snap.ModelHosts["qwen2.5-coder:14b"] != 1 {
		t.Fatalf("model hosts = %v", snap.ModelHosts)
	}
	if r.HealthyCount() != 2 {
		t.Fatalf("healthy = %d", r.HealthyCount())
	}
}

func TestResetHealth(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	e, _ := r.Add(ctx, "http://gpu1:11434")
	_ = r.RecordProbe(ctx, e.ID, false, nil)
	_ = r.RecordProbe(ctx, e.ID, false, nil)

	if err := r.ResetHealth(ctx); err != nil {
		t.Fatalf("ResetHealth: %v", err)
	}
	if got := r.List()[0]; got.Health != Unknown || got.ConsecutiveFailures != 0 {
		t.Fatalf("after reset: %#v", got)
	}
}

func TestHealthResetOnReload(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()

	r, _ := NewRegistry(ctx, kv, nil, nil)
	e, _ := r.Add(ctx, "http://gpu1:11434")
	_ = r.RecordProbe(ctx, e.ID, true, []string{"llama3.1:8b"})

	reloaded, err := NewRegistry(ctx, kv, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.List()[0]
	if got.Health != Unknown {
		t.Fatalf("health after reload = %q, want unknown until re-probed", got.Health)
	}
	if len(got.Models) != 1 {
		t.Fatalf("models should persist: %v", got.Models)
	}
}
