package engine

import "fmt"

// PriorityPolicy computes a priority score for a sequence; higher is
// scheduled/retained first. Used both for queue ordering (QueueOrder)
// and for choosing the eviction victim on OOM preemption (spec §4.7
// step 6), generalized from sim/priority.go.
type PriorityPolicy interface {
	Compute(seq *Sequence, clock int64) float64
}

// ConstantPriority assigns every sequence the same score (FCFS tie-break
// by arrival order then takes over).
type ConstantPriority struct {
	Score float64
}

func (c ConstantPriority) Compute(_ *Sequence, _ int64) float64 { return c.Score }

// SLOBasedPriority favors older (longer-waiting) sequences, reducing SLO
// violation risk under load: BaseScore + AgeWeight*(clock-ArrivalTime).
type SLOBasedPriority struct {
	BaseScore float64
	AgeWeight float64
}

func (s SLOBasedPriority) Compute(seq *Sequence, clock int64) float64 {
	age := float64(clock - seq.ArrivalTime)
	return s.BaseScore + s.AgeWeight*age
}

// InvertedSLO favors newer sequences, starving older ones. Exists as the
// pathological counterpart for load-testing priority-aware paths, same
// as the teacher's InvertedSLO.
type InvertedSLO struct {
	BaseScore float64
	AgeWeight float64
}

func (s InvertedSLO) Compute(seq *Sequence, clock int64) float64 {
	age := float64(clock - seq.ArrivalTime)
	return s.BaseScore - s.AgeWeight*age
}

// NewPriorityPolicy builds a PriorityPolicy by name: "constant" (default),
// "slo-based", "inverted-slo". Panics on unrecognized names, same
// startup-configuration contract as NewQueueOrder.
func NewPriorityPolicy(name string) PriorityPolicy {
	switch name {
	case "", "constant":
		return ConstantPriority{Score: 0}
	case "slo-based":
		return SLOBasedPriority{BaseScore: 0, AgeWeight: 1e-6}
	case "inverted-slo":
		return InvertedSLO{BaseScore: 0, AgeWeight: 1e-6}
	default:
		panic(fmt.Sprintf("engine: unknown priority policy %q", name))
	}
}
