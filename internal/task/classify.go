package task

import (
	"fmt"
	"strings"
)

// Keyword groups the classifier scans for. A description matching a
// complex keyword outweighs trivial matches.
var (
	complexKeywords = []string{
		"refactor", "architecture", "redesign", "migrate", "migration",
		"concurrency", "race", "deadlock", "protocol", "distributed",
		"security", "performance",
	}
	trivialKeywords = []string{
		"typo", "rename", "comment", "whitespace", "formatting",
		"bump version", "spelling", "docstring",
	}
)

// Classify infers a complexity tier from a task's description and
// structure. It is deterministic: identical inputs yield identical
// outputs.
func Classify(description string, hints []FileHint, steps []VerificationStep) Inferred {
	lower := strings.ToLower(description)
	var signals []string

	complexHits := 0
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			complexHits++
			signals = append(signals, fmt.Sprintf("keyword:%s", kw))
		}
	}
	trivialHits := 0
	for _, kw := range trivialKeywords {
		if strings.Contains(lower, kw) {
			trivialHits++
			signals = append(signals, fmt.Sprintf("keyword:%s", kw))
		}
	}

	words := len(strings.Fields(description))
	switch {
	case words > 120:
		signals = append(signals, "long_description")
	case words < 12:
		signals = append(signals, "short_description")
	}
	if len(hints) > 5 {
		signals = append(signals, "many_file_hints")
	}
	if len(steps) > 5 {
		signals = append(signals, "many_verification_steps")
	}

	switch {
	case complexHits > 0 || words > 120 || len(hints) > 5:
		conf := 0.6 + 0.1*float64(complexHits)
		if conf > 0.95 {
			conf = 0.95
		}
		return Inferred{Tier: TierComplex, Confidence: conf, Signals: signals}
	case trivialHits > 0 && words < 30 && len(hints) <= 1:
		return Inferred{Tier: TierTrivial, Confidence: 0.7 + 0.05*float64(trivialHits), Signals: signals}
	default:
		return Inferred{Tier: TierStandard, Confidence: 0.5, Signals: signals}
	}
}

// ResolveComplexity builds the Complexity record for a submission: an
// explicit tier wins, otherwise the classifier decides.
func ResolveComplexity(explicit Tier, description string, hints []FileHint, steps []VerificationStep) Complexity {
	if explicit.Valid() {
		return Complexity{EffectiveTier: explicit, Source: SourceExplicit}
	}
	inferred := Classify(description, hints, steps)
	return Complexity{
		EffectiveTier: inferred.Tier,
		Source:        SourceInferred,
		Inferred:      &inferred,
	}
}
