package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

func newTestPool(t *testing.T, totalPages int, pageSize int64) *kv.PagePool {
	t.Helper()
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	pp, err := kv.NewPagePool(1, totalPages, pageSize, 2, 4, tensor.F32, tensor.Device{Kind: tensor.Cpu}, alloc)
	require.NoError(t, err)
	return pp
}

func seq(id string, promptLen int) *Sequence {
	prompt := make([]int64, promptLen)
	for i := range prompt {
		prompt[i] = int64(i + 1)
	}
	return &Sequence{ID: id, Prompt: prompt, StopTokens: map[int64]struct{}{}}
}

func TestFormBatchAdmitsFromWaitQueueUpToMaxRunning(t *testing.T) {
	pool := newTestPool(t, 8, 4)
	wq := &waitQueue{}
	a, b, c := seq("a", 4), seq("b", 4), seq("c", 4)
	wq.Enqueue(a)
	wq.Enqueue(b)
	wq.Enqueue(c)

	ctx := &BatchContext{
		RunningBatch:       &RunningBatch{},
		WaitQ:              wq,
		Pool:               pool,
		Priority:           ConstantPriority{},
		MaxScheduledTokens: 100,
		MaxRunningReqs:     2,
		PreemptRetryLimit:  4,
	}
	result := formBatch(ctx)

	require.Len(t, result.RunningBatch.Sequences, 2)
	require.Equal(t, []*Sequence{a, b}, result.NewlyScheduled)
	require.Equal(t, 1, wq.Len())
	require.Equal(t, StatePrefilling, a.State)
	require.NotNil(t, a.Pages)
}

func TestFormBatchChunksLongPrefillAcrossSteps(t *testing.T) {
	pool := newTestPool(t, 8, 4)
	wq := &waitQueue{}
	s := seq("s", 10)
	wq.Enqueue(s)

	ctx := &BatchContext{
		RunningBatch:          &RunningBatch{},
		WaitQ:                 wq,
		Pool:                  pool,
		Priority:              ConstantPriority{},
		MaxScheduledTokens:    100,
		MaxRunningReqs:        4,
		PrefillTokenThreshold: 4,
		PreemptRetryLimit:     4,
	}
	result := formBatch(ctx)
	require.Len(t, result.RunningBatch.Sequences, 1)
	require.Equal(t, int64(4), s.NumNewTokens)

	// Simulate the engine applying this step's forward progress, then
	// re-running formBatch for the next chunk.
	s.ProgressIndex += s.NumNewTokens
	ctx.StepCount++
	result2 := formBatch(ctx)
	require.Empty(t, result2.NewlyScheduled)
	require.Equal(t, int64(4), s.NumNewTokens)
	require.Equal(t, int64(4), s.ProgressIndex)
}

func TestFormBatchMovesCompletedPrefillToDecode(t *testing.T) {
	pool := newTestPool(t, 8, 4)
	wq := &waitQueue{}
	s := seq("s", 4)
	wq.Enqueue(s)

	ctx := &BatchContext{
		RunningBatch:       &RunningBatch{},
		WaitQ:              wq,
		Pool:               pool,
		Priority:           ConstantPriority{},
		MaxScheduledTokens: 100,
		MaxRunningReqs:     4,
		PreemptRetryLimit:  4,
	}
	formBatch(ctx)
	s.ProgressIndex += s.NumNewTokens
	s.Generated = append(s.Generated, 99) // pretend a token was sampled

	result := formBatch(ctx)
	require.Equal(t, int64(0), s.RemainingPromptTokens())
	require.Equal(t, StateDecoding, s.State)
	require.Equal(t, int64(1), s.NumNewTokens)
	require.Empty(t, result.NewlyScheduled)
}

func TestFormBatchPreemptsLowestPriorityDecodingSequenceOnOOM(t *testing.T) {
	// One page total, page size 2: exactly enough for one sequence's
	// prompt. Once low is decoding its tail page is full and no page is
	// free, so its next decode step must preempt the lowest-priority
	// decoding sequence (low itself, the only one).
	pool := newTestPool(t, 1, 2)
	wq := &waitQueue{}
	low := seq("low", 2)
	high := seq("high", 2)
	wq.Enqueue(low)

	ctx := &BatchContext{
		RunningBatch:       &RunningBatch{},
		WaitQ:              wq,
		Pool:               pool,
		Priority:           SLOBasedPriority{BaseScore: 0, AgeWeight: 1},
		MaxScheduledTokens: 100,
		MaxRunningReqs:     4,
		PreemptRetryLimit:  4,
		Now:                1000,
	}
	formBatch(ctx)
	low.ProgressIndex = int64(len(low.Prompt))
	low.State = StateDecoding // low has been running a while, arrived first

	require.Equal(t, 0, pool.FreePages())

	wq.Enqueue(high)
	ctx.RunningBatch = &RunningBatch{Sequences: []*Sequence{low}}
	ctx.StepCount++
	result := formBatch(ctx)

	require.True(t, result.PreemptionHappened)
	require.Len(t, result.Preempted, 1)
	require.Equal(t, "low", result.Preempted[0].ID)
	require.Equal(t, StateWaiting, low.State)
	require.Nil(t, low.Pages)
}

func TestFormBatchRejectsWhenPreemptRetryLimitExhausted(t *testing.T) {
	pool := newTestPool(t, 1, 2)
	wq := &waitQueue{}
	stuck := seq("stuck", 2)

	ctx := &BatchContext{
		RunningBatch:       &RunningBatch{},
		WaitQ:              wq,
		Pool:               pool,
		Priority:           ConstantPriority{},
		MaxScheduledTokens: 100,
		MaxRunningReqs:     4,
		PreemptRetryLimit:  0,
	}
	wq.Enqueue(stuck)
	// No free pages, no running sequences to preempt, and no retries left:
	// the sequence must be rejected rather than looping forever.
	pool.Allocate([]int64{9, 9}) // consume the only page (no prefix shared with stuck's prompt) so Allocate fails below
	result := formBatch(ctx)
	require.NotNil(t, result.Rejected)
	require.Equal(t, "stuck", result.Rejected.ID)
	require.Equal(t, 0, wq.Len())
}
