package sampler

// applyDRY implements DRY (Don't Repeat Yourself) repetition suppression
// (spec §4.6 step 8, §9 Open Question resolution): for every candidate
// token, find the longest suffix of history+[candidate] that also occurs
// earlier in history, and penalize candidates whose match exceeds
// DryAllowedLength by DryMultiplier * DryBase^(matchLen-DryAllowedLength).
//
// Unlike the single-token sequence-breaker approximation, breakers here
// are whole token sequences (DrySequenceBreakers [][]int64): a match may
// not extend through a suffix that equals one of them, so a breaker like
// [newline, newline] only cuts a match at a genuine paragraph boundary
// instead of at every occurrence of a single token that happens to appear
// inside one.
func applyDRY(probs []float32, history []int64, cfg Config) {
	if len(history) == 0 {
		return
	}
	allowed := cfg.DryAllowedLength
	if allowed <= 0 {
		allowed = 2
	}

	seq := make([]int64, len(history)+1)
	copy(seq, history)

	for tok := range probs {
		if probs[tok] == 0 {
			continue
		}
		seq[len(seq)-1] = int64(tok)
		matchLen := dryMatchLen(seq, cfg.DrySequenceBreakers)
		if matchLen <= allowed {
			continue
		}
		penalty := cfg.DryMultiplier * powf32(cfg.DryBase, float32(matchLen-allowed))
		probs[tok] *= expf32(-penalty)
	}
}

// dryMatchLen returns the length of the longest suffix of seq that also
// appears at some earlier, non-trivial position in seq, capped by any
// sequence breaker matching as a suffix.
func dryMatchLen(seq []int64, breakers [][]int64) int {
	n := len(seq)
	limit := n - 1
	for _, b := range breakers {
		if len(b) == 0 || len(b) > n {
			continue
		}
		if equalSlice(seq[n-len(b):], b) && len(b)-1 < limit {
			limit = len(b) - 1
		}
	}

	best := 0
	for length := 1; length <= limit; length++ {
		suffix := seq[n-length:]
		found := false
		for j := 0; j+length <= n-1; j++ {
			if equalSlice(seq[j:j+length], suffix) {
				found = true
				break
			}
		}
		if !found {
			break
		}
		best = length
	}
	return best
}

func equalSlice(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func powf32(base, exp float32) float32 {
	if base <= 0 {
		return 0
	}
	result := float32(1)
	// exp is always a small non-negative integer-valued float in practice
	// (matchLen-allowedLength); repeated multiplication avoids pulling in
	// math.Pow for a float32 result.
	whole := int(exp)
	for i := 0; i < whole; i++ {
		result *= base
	}
	return result
}
