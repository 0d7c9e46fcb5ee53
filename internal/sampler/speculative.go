package sampler

import "math/rand/v2"

// SpeculativeResult is the outcome of verifying one batch of draft tokens
// against the target model's logits (spec §4.6 speculative decoding).
type SpeculativeResult struct {
	AcceptedTokens []int64
	// BonusToken is the token sampled from the target distribution once a
	// draft token is rejected (the "residual" resample), or from the
	// target distribution at the position right after the last accepted
	// draft token when every draft token is accepted.
	BonusToken int64
}

// VerifyDraft runs the standard speculative-decoding rejection criterion
// (Leviathan et al.): accept draft token i with probability
// min(1, targetProb[i]/draftProb[i]); on first rejection, resample from
// the residual distribution max(0, target-draft) renormalized, rather than
// re-sampling from target alone, so the combined process stays unbiased.
func VerifyDraft(draftTokens []int64, draftProbs, targetProbs [][]float32, rng *rand.Rand) SpeculativeResult {
	var accepted []int64
	for i, tok := range draftTokens {
		pDraft := draftProbs[i][tok]
		pTarget := targetProbs[i][tok]
		var acceptProb float32 = 1
		if pDraft > 0 {
			acceptProb = pTarget / pDraft
			if acceptProb > 1 {
				acceptProb = 1
			}
		}
		if rng.Float32() < acceptProb {
			accepted = append(accepted, tok)
			continue
		}
		residual := residualDistribution(targetProbs[i], draftProbs[i])
		bonus := sampleFrom(residual, rng)
		return SpeculativeResult{AcceptedTokens: accepted, BonusToken: bonus}
	}
	bonus := sampleFrom(targetProbs[len(draftTokens)], rng)
	return SpeculativeResult{AcceptedTokens: accepted, BonusToken: bonus}
}

// residualDistribution computes max(0, target-draft) renormalized to sum
// to 1, the distribution a rejected draft token is replaced from so the
// overall sample stays distributed as target would have been alone.
func residualDistribution(target, draft []float32) []float32 {
	out := make([]float32, len(target))
	var sum float32
	for i := range target {
		d := target[i] - draft[i]
		if d < 0 {
			d = 0
		}
		out[i] = d
		sum += d
	}
	if sum == 0 {
		return target
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
