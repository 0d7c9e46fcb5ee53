package engine

import "fmt"

// AdmissionPolicy gates an incoming request before it ever reaches the
// wait queue (spec §4.7 names this separately from the per-step KV-page
// availability check formBatch performs at actual admission into the
// running batch — this is request-rate gating, generalized from
// sim/admission.go's AdmissionPolicy from simulated arrivals to real
// incoming requests).
type AdmissionPolicy interface {
	Admit(seq *Sequence, clock int64) (admitted bool, reason string)
}

// AlwaysAdmit admits everything unconditionally: the default.
type AlwaysAdmit struct{}

func (AlwaysAdmit) Admit(_ *Sequence, _ int64) (bool, string) { return true, "" }

// TokenBucket rate-limits admission by prompt-token cost.
type TokenBucket struct {
	capacity      float64
	refillRate    float64 // tokens per second
	currentTokens float64
	lastRefill    int64 // last refill clock time, microseconds
}

// NewTokenBucket builds a TokenBucket starting full.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{capacity: capacity, refillRate: refillRate, currentTokens: capacity}
}

func (tb *TokenBucket) Admit(seq *Sequence, clock int64) (bool, string) {
	elapsed := clock - tb.lastRefill
	if elapsed > 0 {
		refill := float64(elapsed) * tb.refillRate / 1e6
		tb.currentTokens = min(tb.capacity, tb.currentTokens+refill)
		tb.lastRefill = clock
	}
	cost := float64(len(seq.Prompt))
	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return true, ""
	}
	return false, "insufficient tokens"
}

// NewAdmissionPolicy builds an AdmissionPolicy by name: "always-admit"
// (default), "token-bucket" (capacity/refillRate configure the bucket).
// Panics on unrecognized names, same startup-configuration contract as
// NewQueueOrder.
func NewAdmissionPolicy(name string, capacity, refillRate float64) AdmissionPolicy {
	switch name {
	case "", "always-admit":
		return AlwaysAdmit{}
	case "token-bucket":
		return NewTokenBucket(capacity, refillRate)
	default:
		panic(fmt.Sprintf("engine: unknown admission policy %q", name))
	}
}
