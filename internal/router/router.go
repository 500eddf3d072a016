// Package router computes routing decisions. Route is a pure function:
// identical inputs produce identical outputs, and nothing here touches
// shared state.
package router

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/basket/agentcom/internal/endpoints"
	"github.com/basket/agentcom/internal/task"
)

// Config parameterizes routing.
type Config struct {
	StandardModels []string
	CloudModel     string
	CloudEnabled   bool
}

// Neutral defaults applied when a host has no live resource report.
const (
	defaultCPUPercent  = 50.0
	defaultVRAMFactor  = 0.9
	defaultCapacity    = 1.0
	referenceVRAMMB    = 16 * 1024
	capacityFactorCap  = 1.5
	warmModelBonus     = 1.15
	repoAffinityBonus  = 1.05
)

// candidate is a scored (endpoint, model) pair.
type candidate struct {
	endpoint endpoints.Endpoint
	model    string
	score    float64
}

// Route resolves a task's tier to a target backend, applying at most
// one fallback step in the direction with capacity.
func Route(t task.Task, snap endpoints.Snapshot, cfg Config, now time.Time) task.RoutingDecision {
	tier := t.Complexity.EffectiveTier
	if !tier.Valid() {
		tier = task.TierStandard
	}

	decision := routeTier(t, tier, snap, cfg)
	if decision.TargetType != task.TargetNone {
		decision.DecidedAt = now
		return decision
	}

	// One fallback step, never two.
	fallbackTier, reason := fallbackFor(tier, snap, cfg)
	if fallbackTier != "" {
		fb := routeTier(t, fallbackTier, snap, cfg)
		if fb.TargetType != task.TargetNone {
			fb.FallbackUsed = true
			fb.FallbackFromTier = tier
			fb.FallbackReason = reason
			fb.DecidedAt = now
			return fb
		}
	}

	// Cloud is the reliability backstop; with it disabled the task
	// stays queued.
	if cfg.CloudEnabled {
		return task.RoutingDecision{
			EffectiveTier:     tier,
			TargetType:        task.TargetClaude,
			SelectedModel:     cfg.CloudModel,
			FallbackUsed:      true,
			FallbackFromTier:  tier,
			FallbackReason:    "no_target_after_fallback",
			EstimatedCostTier: task.CostAPI,
			DecidedAt:         now,
		}
	}
	return task.RoutingDecision{
		EffectiveTier:  tier,
		TargetType:     task.TargetNone,
		FallbackReason: "no_target_and_cloud_disabled",
		DecidedAt:      now,
	}
}

// routeTier resolves a single tier without fallback.
func routeTier(t task.Task, tier task.Tier, snap endpoints.Snapshot, cfg Config) task.RoutingDecision {
	switch tier {
	case task.TierTrivial:
		return task.RoutingDecision{
			EffectiveTier:        tier,
			TargetType:           task.TargetSidecar,
			ClassificationReason: classificationReason(t),
			EstimatedCostTier:    task.CostFree,
		}
	case task.TierComplex:
		if !cfg.CloudEnabled {
			return task.RoutingDecision{EffectiveTier: tier, TargetType: task.TargetNone}
		}
		return task.RoutingDecision{
			EffectiveTier:        tier,
			TargetType:           task.TargetClaude,
			SelectedModel:        cfg.CloudModel,
			ClassificationReason: classificationReason(t),
			EstimatedCostTier:    task.CostAPI,
		}
	default: // standard
		cands := standardCandidates(t, snap, cfg)
		if len(cands) == 0 {
			return task.RoutingDecision{EffectiveTier: tier, TargetType: task.TargetNone}
		}
		best := cands[0]
		return task.RoutingDecision{
			EffectiveTier:        tier,
			TargetType:           task.TargetOllama,
			SelectedEndpoint:     best.endpoint.ID,
			SelectedModel:        best.model,
			CandidateCount:       len(cands),
			ClassificationReason: classificationReason(t),
			EstimatedCostTier:    task.CostLocal,
		}
	}
}

// standardCandidates scans healthy endpoints for standard models and
// ranks them by score, highest first. Ties break by endpoint ID so the
// result is deterministic.
func standardCandidates(t task.Task, snap endpoints.Snapshot, cfg Config) []candidate {
	var out []candidate
	for _, e := range snap.Endpoints {
		if e.Health != endpoints.Healthy {
			continue
		}
		for _, model := range e.Models {
			if !slices.Contains(cfg.StandardModels, model) {
				continue
			}
			out = append(out, candidate{
				endpoint: e,
				model:    model,
				score:    score(t, e, model, snap.Resources),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].endpoint.ID != out[j].endpoint.ID {
			return out[i].endpoint.ID < out[j].endpoint.ID
		}
		return out[i].model < out[j].model
	})
	return out
}

// score computes the candidate ranking:
//
//	base × (1 - load) × capacity × vram × warm_bonus × affinity_bonus
//
// Missing metrics use neutral defaults.
func score(t task.Task, e endpoints.Endpoint, model string, resources map[string]endpoints.ResourceMetrics) float64 {
	load := defaultCPUPercent / 100
	vramFactor := defaultVRAMFactor
	capacity := defaultCapacity
	warm := 1.0
	affinity := 1.0

	if m, ok := resources[e.ID]; ok {
		if m.CPUPercent > 0 {
			load = m.CPUPercent / 100
			if load > 1 {
				load = 1
			}
		}
		if m.VRAMTotalMB > 0 {
			vramFactor = 1 - m.VRAMUsedMB/m.VRAMTotalMB
			if vramFactor < 0 {
				vramFactor = 0
			}
			capacity = m.VRAMTotalMB / referenceVRAMMB
			if capacity > capacityFactorCap {
				capacity = capacityFactorCap
			}
		}
		if slices.Contains(m.LoadedModels, model) {
			warm = warmModelBonus
		}
		if t.Repo != "" && m.LastRepo == t.Repo {
			affinity = repoAffinityBonus
		}
	}
	return (1 - load) * capacity * vramFactor * warm * affinity
}

// fallbackFor picks the one-step fallback direction for a tier that
// produced no candidate. Steps never skip a tier.
func fallbackFor(tier task.Tier, snap endpoints.Snapshot, cfg Config) (task.Tier, string) {
	switch tier {
	case task.TierStandard:
		// Prefer stepping up to the cloud; step down to the sidecar
		// when the cloud is disabled.
		if cfg.CloudEnabled {
			return task.TierComplex, "no_healthy_ollama_endpoints"
		}
		return task.TierTrivial, "no_healthy_ollama_endpoints_cloud_disabled"
	case task.TierComplex:
		// Cloud unavailable: one step down to local serving.
		return task.TierStandard, "cloud_disabled"
	case task.TierTrivial:
		// The sidecar target is always constructible; no fallback arises.
		return "", ""
	}
	return "", ""
}

func classificationReason(t task.Task) string {
	if t.Complexity.Source == task.SourceExplicit {
		return "explicit_tier"
	}
	if inf := t.Complexity.Inferred; inf != nil && len(inf.Signals) > 0 {
		return fmt.Sprintf("inferred:%s", inf.Signals[0])
	}
	return "inferred_default"
}
