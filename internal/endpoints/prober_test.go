package endpoints

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcom/internal/store"
)

func TestSweepRecordsOutcomes(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()
	r, _ := NewRegistry(ctx, kv, nil, nil)
	up, _ := r.Add(ctx, "http://gpu-up:11434")
	down, _ := r.Add(ctx, "http://gpu-down:11434")

	probe := func(_ context.Context, e Endpoint) ([]string, error) {
		if e.ID == up.ID {
			return []string{"llama3.1:8b"}, nil
		}
		return nil, fmt.Errorf("connection refused")
	}
	p := NewProber(ProberConfig{Registry: r, Probe: probe})
	p.Sweep(ctx)
	p.Sweep(ctx)

	for _, e := range r.List() {
		switch e.ID {
		case up.ID:
			if e.Health != Healthy {
				t.Fatalf("up endpoint = %#v", e)
			}
		case down.ID:
			if e.Health != Unhealthy {
				t.Fatalf("down endpoint = %#v", e)
			}
		}
	}
}

func TestSweepBoundedConcurrency(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()
	r, _ := NewRegistry(ctx, kv, nil, nil)
	for i := 0; i < 8; i++ {
		_, _ = r.Add(ctx, fmt.Sprintf("http://gpu%d:11434", i))
	}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	probe := func(_ context.Context, _ Endpoint) ([]string, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}
	p := NewProber(ProberConfig{Registry: r, Probe: probe, Concurrency: 2})
	p.Sweep(ctx)

	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestOllamaProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.1:8b"},{"name":"qwen2.5-coder:14b"}]}`)
	}))
	defer srv.Close()

	probe := OllamaProbe(time.Second)
	models, err := probe(context.Background(), Endpoint{URL: srv.URL})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.1:8b" {
		t.Fatalf("models = %v", models)
	}
}

func TestResourceTableTTL(t *testing.T) {
	table := NewResourceTable(50 * time.Millisecond)
	table.Report("gpu1:11434", ResourceMetrics{CPUPercent: 40, VRAMTotalMB: 16384})

	if m, ok := table.Get("gpu1:11434"); !ok || m.CPUPercent != 40 {
		t.Fatalf("Get = %#v, %v", m, ok)
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok := table.Get("gpu1:11434"); ok {
		t.Fatal("entry should have expired")
	}
	if len(table.All()) != 0 {
		t.Fatal("All should be empty after expiry")
	}
}
