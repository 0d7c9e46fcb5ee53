package engine

import (
	"fmt"
	"sort"
)

// QueueOrder reorders the wait queue before batch formation each step.
// Implementations sort in place with sort.SliceStable for determinism
// (spec §4.7 step 1-2, generalized from sim/scheduler.go's
// InstanceScheduler from a simulated []*Request to a live []*Sequence).
type QueueOrder interface {
	OrderQueue(seqs []*Sequence, clock int64)
}

// FCFSOrder preserves arrival order (no-op): the default.
type FCFSOrder struct{}

func (FCFSOrder) OrderQueue(_ []*Sequence, _ int64) {}

// PriorityFCFSOrder sorts by PriorityPolicy score (descending), then
// arrival time (ascending), then ID (ascending) for determinism.
type PriorityFCFSOrder struct {
	Policy PriorityPolicy
}

func (p PriorityFCFSOrder) OrderQueue(seqs []*Sequence, clock int64) {
	sort.SliceStable(seqs, func(i, j int) bool {
		pi, pj := p.Policy.Compute(seqs[i], clock), p.Policy.Compute(seqs[j], clock)
		if pi != pj {
			return pi > pj
		}
		if seqs[i].ArrivalTime != seqs[j].ArrivalTime {
			return seqs[i].ArrivalTime < seqs[j].ArrivalTime
		}
		return seqs[i].ID < seqs[j].ID
	})
}

// SJFOrder sorts by remaining prompt length (ascending, shortest first),
// then arrival time, then ID. Can starve long requests under sustained
// load — same caveat as the teacher's SJFScheduler.
type SJFOrder struct{}

func (SJFOrder) OrderQueue(seqs []*Sequence, _ int64) {
	sort.SliceStable(seqs, func(i, j int) bool {
		li, lj := len(seqs[i].Prompt), len(seqs[j].Prompt)
		if li != lj {
			return li < lj
		}
		if seqs[i].ArrivalTime != seqs[j].ArrivalTime {
			return seqs[i].ArrivalTime < seqs[j].ArrivalTime
		}
		return seqs[i].ID < seqs[j].ID
	})
}

// NewQueueOrder builds a QueueOrder by name: "fcfs" (default),
// "priority-fcfs" (requires policy), "sjf". Panics on unrecognized
// names: queue-order strategy is resolved once from server startup
// configuration, not per-request input, the same contract as the
// teacher's NewScheduler.
func NewQueueOrder(name string, policy PriorityPolicy) QueueOrder {
	switch name {
	case "", "fcfs":
		return FCFSOrder{}
	case "priority-fcfs":
		return PriorityFCFSOrder{Policy: policy}
	case "sjf":
		return SJFOrder{}
	default:
		panic(fmt.Sprintf("engine: unknown queue order %q", name))
	}
}
