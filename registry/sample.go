package registry

import (
	"hash/fnv"
	"math/rand/v2"
	"sort"

	"goa.design/inferencegate/gatewayerr"
)

// ErrNoActiveVariants is returned by SampleVariant when the active-variant
// set is empty, whether because the function declares none or because
// retries have excluded every candidate.
var ErrNoActiveVariants = gatewayerr.New(gatewayerr.NoActiveVariants, "no active variants remain")

// SampleVariant implements spec.md §4.D: it chooses among active (weight >
// 0) variants proportionally to weight, using a reproducible RNG seeded by
// the episode id, excluding any name already present in excluded (the
// caller grows this set across retries so a failed variant is never
// resampled for the same episode).
func SampleVariant(variants map[string]*Variant, episodeID string, excluded map[string]struct{}) (string, *Variant, error) {
	type candidate struct {
		name   string
		weight float64
	}
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration order before weighting

	candidates := make([]candidate, 0, len(names))
	var total float64
	for _, name := range names {
		v := variants[name]
		if !v.Active() {
			continue
		}
		if _, skip := excluded[name]; skip {
			continue
		}
		candidates = append(candidates, candidate{name: name, weight: v.Weight})
		total += v.Weight
	}
	if len(candidates) == 0 {
		return "", nil, ErrNoActiveVariants
	}

	seed := episodeSeed(episodeID)
	r := rand.New(rand.NewPCG(seed, seed))
	point := r.Float64() * total

	var cumulative float64
	for _, c := range candidates {
		cumulative += c.weight
		if point < cumulative {
			return c.name, variants[c.name], nil
		}
	}
	// Floating point rounding can leave point == total; fall back to the
	// last candidate rather than erroring spuriously.
	last := candidates[len(candidates)-1]
	return last.name, variants[last.name], nil
}

// episodeSeed derives a stable 64-bit seed from an episode id so the same
// episode always samples the same way absent exclusions.
func episodeSeed(episodeID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(episodeID))
	return h.Sum64()
}
