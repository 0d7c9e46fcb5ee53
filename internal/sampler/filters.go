package sampler

import (
	"sort"

	"gonum.org/v1/gonum/floats"
)

// applyTopK zeroes every probability outside the k largest (spec §4.6 step 5).
// k<=0 or k>=len(probs) is a no-op.
func applyTopK(probs []float32, k int) []float32 {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	out := make([]float32, len(probs))
	for _, i := range idx[:k] {
		out[i] = probs[i]
	}
	return out
}

// applyTopP keeps the smallest prefix (sorted descending) whose cumulative
// mass reaches p, nucleus sampling (spec §4.6 step 6). p<=0 or p>=1 is a
// no-op. The cumulative mass itself comes from gonum's floats.CumSum
// rather than a hand-rolled running total, the same package
// gguf-parser-go already pulls in for its own numeric estimation code.
func applyTopP(probs []float32, p float32) []float32 {
	if p <= 0 || p >= 1 {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	sorted := make([]float64, len(probs))
	for i, id := range idx {
		sorted[i] = float64(probs[id])
	}
	cum := floats.CumSum(make([]float64, len(sorted)), sorted)

	out := make([]float32, len(probs))
	for rank, id := range idx {
		prevCum := 0.0
		if rank > 0 {
			prevCum = cum[rank-1]
		}
		if prevCum >= float64(p) {
			break
		}
		out[id] = probs[id]
	}
	return out
}

// applyMinP drops every probability below ratio * the top probability
// (spec §4.6 step 7). ratio<=0 is a no-op.
func applyMinP(probs []float32, ratio float32) []float32 {
	if ratio <= 0 {
		return probs
	}
	var top float32
	for _, p := range probs {
		if p > top {
			top = p
		}
	}
	threshold := top * ratio
	out := make([]float32, len(probs))
	for i, p := range probs {
		if p >= threshold {
			out[i] = p
		}
	}
	return out
}
