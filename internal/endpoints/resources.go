package endpoints

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ResourceMetrics is a sidecar's periodic host report.
type ResourceMetrics struct {
	CPUPercent   float64  `json:"cpu"`
	RAMPercent   float64  `json:"ram"`
	VRAMUsedMB   float64  `json:"vram_used"`
	VRAMTotalMB  float64  `json:"vram_total"`
	LoadedModels []string `json:"loaded_models"`
	LastRepo     string   `json:"last_repo,omitempty"`
	ReportedAt   time.Time `json:"reported_at"`
}

// ResourceTable is the ephemeral in-memory store of host metrics.
// Entries expire after the configured TTL; nothing is persisted.
type ResourceTable struct {
	cache *gocache.Cache
}

// NewResourceTable creates a table whose entries expire after ttl.
func NewResourceTable(ttl time.Duration) *ResourceTable {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &ResourceTable{cache: gocache.New(ttl, ttl/3)}
}

// Report stores metrics for a host, refreshing its TTL.
func (t *ResourceTable) Report(hostID string, m ResourceMetrics) {
	if m.ReportedAt.IsZero() {
		m.ReportedAt = time.Now()
	}
	t.cache.SetDefault(hostID, m)
}

// Get returns the live metrics for a host, if any.
func (t *ResourceTable) Get(hostID string) (ResourceMetrics, bool) {
	v, ok := t.cache.Get(hostID)
	if !ok {
		return ResourceMetrics{}, false
	}
	return v.(ResourceMetrics), true
}

// All returns every unexpired entry keyed by host ID.
func (t *ResourceTable) All() map[string]ResourceMetrics {
	items := t.cache.Items()
	out := make(map[string]ResourceMetrics, len(items))
	for k, item := range items {
		out[k] = item.Object.(ResourceMetrics)
	}
	return out
}
