package model

import (
	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/tensor"
)

// AdapterKind names the additive-branch flavor attached at load time.
type AdapterKind string

const (
	AdapterLoRA  AdapterKind = "lora"
	AdapterXLoRA AdapterKind = "x_lora"
)

// LoraBranch is one low-rank additive branch: delta = (x @ A) @ B * Scale,
// A shaped [k, rank], B shaped [rank, n] against a [n, k] base linear layer
// (spec §4.4 adapter.go: "additive low-rank branches injected at
// configured linear layers via a Linear wrapper type").
type LoraBranch struct {
	A, B  *tensor.Tensor
	Scale float32
}

// Adapter is attached to Weights and consulted once per O-projection in
// attnSubBlock. X-LoRA blends multiple LoRA experts with per-token gate
// weights produced by a small gating network; plain LoRA is the Experts[0]
// case with a constant gate of 1.
type Adapter struct {
	Kind    AdapterKind
	Experts []LoraBranch
	Gates   []float32 // one weight per expert, X-LoRA only
}

// checkAdapterCompat rejects combinations known to be unsupported before
// construction, never at forward time (spec §4.4, §9 Open Question):
// X-LoRA's per-token gating network has not been validated against
// DeepSeek v2/v3's latent-attention KV compression, so that pairing is
// refused explicitly rather than silently producing wrong gates.
func checkAdapterCompat(archID ArchID, adapter *Adapter) error {
	if adapter.Kind == AdapterXLoRA && archID == ArchDeepSeek2 {
		return errs.AdapterUnsupported(string(archID), string(adapter.Kind))
	}
	return nil
}

// apply adds the adapter's delta to out (the base O-projection result).
func (a *Adapter) apply(l LayerWeights, normed, out *tensor.Tensor) (*tensor.Tensor, error) {
	if len(a.Experts) == 0 {
		return out, nil
	}
	total, err := allocSame(out)
	if err != nil {
		return nil, err
	}
	totalV := make([]float32, total.NumElements())

	for i, branch := range a.Experts {
		gate := float32(1.0)
		if a.Kind == AdapterXLoRA && i < len(a.Gates) {
			gate = a.Gates[i]
		}
		if gate == 0 {
			continue
		}
		low, err := cpuMatMul(normed, branch.A)
		if err != nil {
			return nil, err
		}
		delta, err := cpuMatMul(low, branch.B)
		if err != nil {
			return nil, err
		}
		dv := tensor.ReadF32(delta)
		scale := branch.Scale * gate
		for i, v := range dv {
			totalV[i] += v * scale
		}
	}
	tensor.WriteF32(total, totalV)
	return addResidual(out, total)
}

// cpuMatMul is the dense 2-D matmul adapter branches use directly (they
// are never quantized, low-rank matrices are small enough to keep dense).
func cpuMatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	alloc := tensor.NewAllocator(a.Device, 0)
	out, err := alloc.Alloc([]int64{a.Shape[0], b.Shape[1]}, tensor.F32)
	if err != nil {
		return nil, err
	}
	if err := cpu.MatMul(out, a, b); err != nil {
		return nil, err
	}
	return out, nil
}
