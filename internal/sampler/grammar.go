package sampler

// Grammar constrains which tokens may legally follow a given history. It is
// deliberately token-id-based rather than text-based: the sampler never
// decodes a partial token back to text mid-generation, it only asks "is
// this token id allowed here" (spec §4.6 step 3).
type Grammar interface {
	// Allowed reports which token ids are legal as the next token given the
	// sequence generated so far. The returned set is interpreted as "only
	// these ids are legal" — an empty, non-nil set means no token is legal
	// (the GrammarStuck condition once every other stage has also run).
	Allowed(history []int64) map[int64]struct{}
}

// applyGrammarMask drives every id the grammar rejects to -Inf so it can
// never win argmax or dominate ranking, and returns the set of rejected
// ids so the caller can also zero them out of the post-softmax
// distribution directly — a -Inf logit bias alone is not enough when the
// grammar rejects every single id, since softmax normalizes a uniformly
// shifted vector back to a uniform (not empty) distribution.
func applyGrammarMask(logits []float32, g Grammar, history []int64) map[int64]struct{} {
	allowed := g.Allowed(history)
	if allowed == nil {
		return nil
	}
	negInf := float32(negInfinity)
	rejected := make(map[int64]struct{})
	for id := range logits {
		if _, ok := allowed[int64(id)]; !ok {
			logits[id] = negInf
			rejected[int64(id)] = struct{}{}
		}
	}
	return rejected
}

const negInfinity = -1e38
