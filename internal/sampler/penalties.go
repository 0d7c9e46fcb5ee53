package sampler

// applyPenalties applies repetition, frequency and presence penalties over
// the last penaltyLastN tokens of history (spec §4.6 step 2). penaltyLastN
// <= 0 means "the whole history". Repetition penalty divides positive
// logits and multiplies negative ones (the llama.cpp convention, not a
// flat subtraction, so the penalty scales with confidence); frequency and
// presence penalties are additive, OpenAI-style.
func applyPenalties(logits []float32, history []int64, penaltyLastN int, repetition, frequency, presence float32) {
	if repetition == 0 && frequency == 0 && presence == 0 {
		return
	}
	window := history
	if penaltyLastN > 0 && len(history) > penaltyLastN {
		window = history[len(history)-penaltyLastN:]
	}

	counts := make(map[int64]int, len(window))
	for _, tok := range window {
		counts[tok]++
	}

	for tok, count := range counts {
		if int(tok) < 0 || int(tok) >= len(logits) {
			continue
		}
		if repetition != 0 {
			if logits[tok] > 0 {
				logits[tok] /= repetition
			} else {
				logits[tok] *= repetition
			}
		}
		if frequency != 0 {
			logits[tok] -= frequency * float32(count)
		}
		if presence != 0 {
			logits[tok] -= presence
		}
	}
}
