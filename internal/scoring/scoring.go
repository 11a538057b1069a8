// Package scoring computes the weighted similarity between a submitted stable
// feature set and one identity's most recent stored set.
package scoring

import (
	"sort"

	"github.com/shortontech/fingerprintd/internal/detection"
	"github.com/shortontech/fingerprintd/internal/feature"
)

// Comparison is one row of the itemized comparison table.
type Comparison struct {
	Key          string `json:"key"`
	CurrentValue any    `json:"currentValue"`
	StoredValue  any    `json:"storedValue"`
	Match        bool   `json:"match"`
}

// Result is a similarity score in [0,100] and its itemized comparison, with
// mismatches listed first.
type Result struct {
	Score   float64      `json:"score"`
	Details []Comparison `json:"details"`
}

// Engine is stateless; one instance serves all requests.
type Engine struct {
	tables *feature.Tables
}

// NewEngine returns an Engine weighting features with tables.
func NewEngine(tables *feature.Tables) *Engine {
	return &Engine{tables: tables}
}

// EffectiveWeight is the base weight plus the trust adjustment, clamped at 0.
func (e *Engine) EffectiveWeight(key string, adj detection.Adjustments) int {
	w := e.tables.Weight(key) + adj[key]
	if w < 0 {
		return 0
	}
	return w
}

// Compare scores current against stored. Features covered by a probe that the
// stored identity reported as noisy are left out entirely.
func (e *Engine) Compare(current, stored feature.Set, storedNoise feature.NoiseReport, adj detection.Adjustments) Result {
	keys := unionKeys(current, stored)

	var achieved, total int
	details := make([]Comparison, 0, len(keys))
	for _, key := range keys {
		if e.tables.SuppressedBy(key, storedNoise) {
			continue
		}
		weight := e.EffectiveWeight(key, adj)
		total += weight

		match := feature.Equal(current, stored, key)
		if match {
			achieved += weight
		}
		details = append(details, Comparison{
			Key:          key,
			CurrentValue: current[key],
			StoredValue:  stored[key],
			Match:        match,
		})
	}

	// keys are sorted, so the stable sort keeps each group in key order.
	sort.SliceStable(details, func(i, j int) bool {
		return !details[i].Match && details[j].Match
	})

	var score float64
	if total > 0 {
		score = 100 * float64(achieved) / float64(total)
	}
	return Result{Score: score, Details: details}
}

func unionKeys(a, b feature.Set) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, s := range []feature.Set{a, b} {
		for k := range s {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
