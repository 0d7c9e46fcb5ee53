package engine

import (
	"github.com/sirupsen/logrus"
)

// formBatch runs one step's batch composition (spec §4.7 steps 2 and 6),
// generalized from sim/batch_formation.go's VLLMBatchFormation.FormBatch:
// phase 1 advances already-running sequences (chunked prefill or one
// decode token each); phase 2 admits new sequences from the wait queue up
// to MaxRunningReqs/MaxScheduledTokens. Both phases share the same
// token budget for the step.
func formBatch(ctx *BatchContext) BatchResult {
	if ctx.RunningBatch == nil {
		ctx.RunningBatch = &RunningBatch{}
	}
	result := BatchResult{RunningBatch: ctx.RunningBatch}
	tokenBudget := ctx.MaxScheduledTokens
	retriesLeft := ctx.PreemptRetryLimit

	// Phase 1: continuing sequences (chunked prefill, then decode). Snapshot
	// the slice before iterating: preemption mutates ctx.RunningBatch.Sequences
	// in place, and ranging over the live slice while that happens would skip
	// or repeat elements.
	startingSeqs := append([]*Sequence{}, ctx.RunningBatch.Sequences...)
	for _, seq := range startingSeqs {
		if tokenBudget <= 0 {
			logrus.Warnf("[step %d] token budget exhausted, deferring remaining sequences", ctx.StepCount)
			break
		}
		if seq.Cancelled() {
			continue
		}

		if remaining := seq.RemainingPromptTokens(); remaining > 0 {
			chunk := remaining
			if ctx.PrefillTokenThreshold > 0 && ctx.PrefillTokenThreshold < chunk {
				chunk = ctx.PrefillTokenThreshold
			}
			if chunk > tokenBudget {
				chunk = tokenBudget
			}
			if !ensureCapacityForGrowth(seq, &result, ctx, &retriesLeft) {
				break
			}
			if !containsSeq(result.RunningBatch.Sequences, seq) {
				continue // seq itself was the preemption victim; it's back in the wait queue
			}
			seq.NumNewTokens = chunk
			seq.State = StatePrefilling
			tokenBudget -= chunk
			continue
		}

		// Decode: exactly one new token, once the prompt is fully computed.
		if !ensureCapacityForGrowth(seq, &result, ctx, &retriesLeft) {
			break
		}
		if !containsSeq(result.RunningBatch.Sequences, seq) {
			continue
		}
		seq.NumNewTokens = 1
		seq.State = StateDecoding
		tokenBudget--
	}

	// Phase 2: admit new sequences from the wait queue.
	for int64(len(result.RunningBatch.Sequences)) < ctx.MaxRunningReqs && ctx.WaitQ.Len() > 0 && tokenBudget > 0 && !result.PreemptionHappened {
		next := ctx.WaitQ.Peek()

		chunk := int64(len(next.Prompt))
		if ctx.PrefillTokenThreshold > 0 && ctx.PrefillTokenThreshold < chunk {
			chunk = ctx.PrefillTokenThreshold
		}
		if chunk > tokenBudget {
			chunk = tokenBudget
		}

		pages, err := ctx.Pool.Allocate(next.Prompt)
		if err != nil {
			if !preemptOneVictim(&result, ctx, &retriesLeft) {
				result.Rejected = next
				ctx.WaitQ.DequeueBatch()
				break
			}
			continue
		}

		ctx.WaitQ.DequeueBatch()
		next.Pages = pages
		next.State = StatePrefilling
		next.NumNewTokens = chunk
		result.RunningBatch.Sequences = append(result.RunningBatch.Sequences, next)
		result.NewlyScheduled = append(result.NewlyScheduled, next)
		tokenBudget -= chunk
	}

	return result
}

// ensureCapacityForGrowth checks whether a continuing sequence's next
// step might need a fresh page (its tail page is already full) and, if
// the pool has none free, preempts the lowest-priority running sequence
// to make room (spec §4.7 step 6).
func ensureCapacityForGrowth(seq *Sequence, result *BatchResult, ctx *BatchContext, retriesLeft *int) bool {
	if seq.Pages == nil {
		return true // first chunk of a newly-admitted sequence: phase 2 already allocated
	}
	if !tailPageFull(seq) || ctx.Pool.FreePages() > 0 {
		return true
	}
	for {
		if !preemptOneVictim(result, ctx, retriesLeft) {
			return false
		}
		if ctx.Pool.FreePages() > 0 {
			return true
		}
	}
}

func containsSeq(seqs []*Sequence, target *Sequence) bool {
	for _, s := range seqs {
		if s == target {
			return true
		}
	}
	return false
}

func tailPageFull(seq *Sequence) bool {
	entries := seq.Pages.Layers[0]
	if len(entries) == 0 {
		return true
	}
	return entries[len(entries)-1].ValidLen >= seq.Pages.PageSizeTokens
}

// preemptOneVictim evicts the lowest-priority StateDecoding sequence in
// the running batch, freeing its pages and re-queuing it at the front of
// the wait queue (completing sim/queue.go's own TODO about re-queuing on
// preemption). Returns false once PreemptRetryLimit is exhausted or there
// is nothing left to evict.
func preemptOneVictim(result *BatchResult, ctx *BatchContext, retriesLeft *int) bool {
	if *retriesLeft <= 0 {
		return false
	}
	victimIdx := -1
	var victimScore float64
	for i, s := range result.RunningBatch.Sequences {
		if s.State != StateDecoding {
			continue
		}
		score := ctx.Priority.Compute(s, ctx.Now)
		if victimIdx == -1 || score < victimScore {
			victimIdx, victimScore = i, score
		}
	}
	if victimIdx == -1 {
		return false
	}

	victim := result.RunningBatch.Sequences[victimIdx]
	logrus.Warnf("[step %d] preempting sequence %s to free KV pages", ctx.StepCount, victim.ID)
	result.RunningBatch.Sequences = append(result.RunningBatch.Sequences[:victimIdx], result.RunningBatch.Sequences[victimIdx+1:]...)
	ctx.Pool.Release(victim.Pages)
	victim.Pages = nil
	victim.ProgressIndex = 0
	victim.State = StateWaiting
	ctx.WaitQ.PrependFront(victim)

	result.Preempted = append(result.Preempted, victim)
	result.PreemptionHappened = true
	*retriesLeft--
	return true
}
