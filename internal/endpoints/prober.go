package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeFunc checks one endpoint and returns its model inventory.
type ProbeFunc func(ctx context.Context, e Endpoint) ([]string, error)

// Prober periodically probes every registered endpoint in a
// bounded-concurrency pool so one slow endpoint cannot stall the sweep.
type Prober struct {
	registry    *Registry
	probe       ProbeFunc
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

// ProberConfig configures the prober.
type ProberConfig struct {
	Registry    *Registry
	Probe       ProbeFunc // defaults to the ollama readiness check
	Interval    time.Duration
	Concurrency int
	Logger      *slog.Logger
}

func NewProber(cfg ProberConfig) *Prober {
	if cfg.Probe == nil {
		cfg.Probe = OllamaProbe(3 * time.Second)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Prober{
		registry:    cfg.Registry,
		probe:       cfg.Probe,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Start runs the probe loop until ctx is canceled.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.Sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Sweep probes every endpoint once, bounded by the concurrency cap.
func (p *Prober) Sweep(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, e := range p.registry.List() {
		endpoint := e
		g.Go(func() error {
			models, err := p.probe(ctx, endpoint)
			if err != nil {
				p.logger.Debug("endpoint probe failed", "endpoint", endpoint.ID, "error", err)
				_ = p.registry.RecordProbe(ctx, endpoint.ID, false, nil)
				return nil
			}
			_ = p.registry.RecordProbe(ctx, endpoint.ID, true, models)
			return nil
		})
	}
	_ = g.Wait()
}

// OllamaProbe returns a ProbeFunc that issues the ollama readiness
// check (GET /api/tags), which doubles as the model inventory query.
func OllamaProbe(timeout time.Duration) ProbeFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, e Endpoint) ([]string, error) {
		base := strings.TrimSuffix(e.URL, "/")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("probe status %d", resp.StatusCode)
		}
		var body struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		models := make([]string, 0, len(body.Models))
		for _, m := range body.Models {
			models = append(models, m.Name)
		}
		return models, nil
	}
}
