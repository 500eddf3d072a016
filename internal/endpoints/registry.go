// Package endpoints tracks LLM serving endpoints, their health, and
// host resource metrics reported by sidecars.
package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/store"
)

// Health is the probed endpoint state.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// unhealthyAfter is the consecutive-failure threshold.
const unhealthyAfter = 2

// Endpoint is one registered LLM serving endpoint.
type Endpoint struct {
	ID                  string    `json:"id"` // host:port
	URL                 string    `json:"url"`
	Models              []string  `json:"models"`
	Health              Health    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeAt         time.Time `json:"last_probe_at,omitzero"`
}

// ErrNotRegistered is returned for unknown endpoint IDs.
var ErrNotRegistered = errors.New("endpoints: not registered")

// Registry owns the endpoints table.
type Registry struct {
	mu  sync.RWMutex
	kv  *store.Store
	bus *bus.Bus

	endpoints map[string]*Endpoint
	resources *ResourceTable
	now       func() time.Time
}

// NewRegistry loads endpoints from the store.
func NewRegistry(ctx context.Context, kv *store.Store, b *bus.Bus, resources *ResourceTable) (*Registry, error) {
	r := &Registry{
		kv:        kv,
		bus:       b,
		endpoints: make(map[string]*Endpoint),
		resources: resources,
		now:       time.Now,
	}
	err := kv.Scan(ctx, store.TableEndpoints, func(key string, v []byte) error {
		var e Endpoint
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decode endpoint %s: %w", key, err)
		}
		// Health is re-established by probing after a restart.
		e.Health = Unknown
		e.ConsecutiveFailures = 0
		r.endpoints[e.ID] = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// idFromURL canonicalizes an endpoint URL to host:port.
func idFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("endpoints: invalid url %q", rawURL)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":11434"
	}
	return host, nil
}

func (r *Registry) persistLocked(ctx context.Context, e *Endpoint) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, store.TableEndpoints, e.ID, data)
}

// Add registers an endpoint. Registration is idempotent on host:port;
// both the admin API and sidecar announcements land here.
func (r *Registry) Add(ctx context.Context, rawURL string) (Endpoint, error) {
	id, err := idFromURL(rawURL)
	if err != nil {
		return Endpoint{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.endpoints[id]; ok {
		return *existing, nil
	}
	e := &Endpoint{ID: id, URL: rawURL, Health: Unknown}
	if err := r.persistLocked(ctx, e); err != nil {
		return Endpoint{}, err
	}
	r.endpoints[id] = e
	return *e, nil
}

// Remove deletes an endpoint.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; !ok {
		return ErrNotRegistered
	}
	if err := r.kv.Delete(ctx, store.TableEndpoints, id); err != nil {
		return err
	}
	delete(r.endpoints, id)
	return nil
}

// List returns all endpoints sorted by ID.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordProbe applies a probe outcome: an endpoint goes unhealthy after
// two consecutive failures and recovers on the first success. A
// successful probe also refreshes the model inventory.
func (r *Registry) RecordProbe(ctx context.Context, id string, ok bool, models []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.endpoints[id]
	if !found {
		return ErrNotRegistered
	}
	prev := e.Health
	e.LastProbeAt = r.now()
	if ok {
		e.ConsecutiveFailures = 0
		e.Health = Healthy
		if models != nil {
			e.Models = models
		}
	} else {
		e.ConsecutiveFailures++
		if e.ConsecutiveFailures >= unhealthyAfter {
			e.Health = Unhealthy
		}
	}
	if err := r.persistLocked(ctx, e); err != nil {
		return err
	}
	if e.Health != prev && r.bus != nil {
		r.bus.Publish(bus.TopicEndpointHealthChanged, bus.EndpointHealthEvent{
			EndpointID: e.ID,
			Health:     string(e.Health),
		})
	}
	return nil
}

// ResetHealth flips every endpoint back to unknown so the next probe
// cycle re-establishes state. Used by healing.
func (r *Registry) ResetHealth(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.endpoints {
		e.Health = Unknown
		e.ConsecutiveFailures = 0
		if err := r.persistLocked(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is the read-only union handed to the router, scheduler, and
// dashboards.
type Snapshot struct {
	Endpoints  []Endpoint                 `json:"endpoints"`
	Resources  map[string]ResourceMetrics `json:"resources"`
	ModelHosts map[string]int             `json:"model_hosts"` // model -> healthy host count
	TakenAt    time.Time                  `json:"taken_at"`
}

// Snapshot captures the current registry state.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Endpoints:  r.List(),
		ModelHosts: make(map[string]int),
		TakenAt:    r.now(),
	}
	if r.resources != nil {
		snap.Resources = r.resources.All()
	}
	for _, e := range snap.Endpoints {
		if e.Health != Healthy {
			continue
		}
		for _, m := range e.Models {
			snap.ModelHosts[m]++
		}
	}
	return snap
}

// HealthyCount returns the number of healthy endpoints.
func (r *Registry) HealthyCount() int {
	n := 0
	for _, e := range r.List() {
		if e.Health == Healthy {
			n++
		}
	}
	return n
}
