package engine

import "github.com/localmind/localmind/internal/kv"

// RunningBatch is the set of sequences processed together in one step
// (spec §4.7 step 2-3), mirroring sim/batch.go's Batch.
type RunningBatch struct {
	Sequences []*Sequence
}

// BatchContext carries formBatch's inputs. formBatch may mutate WaitQ
// (dequeue/prepend) and Pool (allocate/release) during batch formation;
// it does not itself run a forward pass or sample — those are Engine's
// job once formBatch returns (spec §4.7 step 3-4).
type BatchContext struct {
	RunningBatch          *RunningBatch
	WaitQ                 *waitQueue
	Pool                  *kv.PagePool
	Priority              PriorityPolicy
	MaxScheduledTokens    int64
	MaxRunningReqs        int64
	PrefillTokenThreshold int64 // 0 disables chunking: whole prompt in one step
	Now                   int64
	StepCount             int
	PreemptRetryLimit     int
}

// BatchResult is formBatch's outcome.
type BatchResult struct {
	RunningBatch       *RunningBatch
	NewlyScheduled     []*Sequence
	Preempted          []*Sequence
	PreemptionHappened bool
	// Rejected is set when a newly-admitted sequence could not be
	// scheduled even after PreemptRetryLimit preemptions (spec §4.7 step
	// 6); the caller maps this to Error.CapacityExceeded.
	Rejected *Sequence
}
