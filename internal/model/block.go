package model

import (
	"math"
	"sort"

	"github.com/localmind/localmind/internal/attention"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

var cpu = tensor.CPUBackend{}

// attnSubBlock runs RMSNorm -> QKV projection -> RoPE -> attention -> O
// projection, shared by every architecture variant; what differs between
// variants is how the result combines with the residual stream (spec
// §4.4).
func (g *generic) attnSubBlock(layer int, l LayerWeights, x *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, positions []int64, decode bool) (*tensor.Tensor, error) {
	normed, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := cpu.RMSNorm(normed, x, l.AttnNorm, g.cfg.NormEps); err != nil {
		return nil, err
	}

	qFlat, err := l.Q.MatMul(normed)
	if err != nil {
		return nil, err
	}
	kFlat, err := l.K.MatMul(normed)
	if err != nil {
		return nil, err
	}
	vFlat, err := l.V.MatMul(normed)
	if err != nil {
		return nil, err
	}

	seqLen := x.Shape[0]
	q, err := qFlat.Reshape([]int64{seqLen, g.cfg.NumHeads, g.cfg.HeadDim})
	if err != nil {
		return nil, err
	}
	k, err := kFlat.Reshape([]int64{seqLen, g.cfg.NumKVHeads, g.cfg.HeadDim})
	if err != nil {
		return nil, err
	}
	v, err := vFlat.Reshape([]int64{seqLen, g.cfg.NumKVHeads, g.cfg.HeadDim})
	if err != nil {
		return nil, err
	}

	if g.cfg.QKNorm {
		qNormed, err := allocSame(q)
		if err != nil {
			return nil, err
		}
		if err := cpu.RMSNorm(qNormed, q, l.QNorm, g.cfg.NormEps); err != nil {
			return nil, err
		}
		q = qNormed

		kNormed, err := allocSame(k)
		if err != nil {
			return nil, err
		}
		if err := cpu.RMSNorm(kNormed, k, l.KNorm, g.cfg.NormEps); err != nil {
			return nil, err
		}
		k = kNormed
	}

	if !g.cfg.UseAlibi {
		cosTab, sinTab := g.ropeTables()
		if err := tensor.ApplyRoPE(q, positions, cosTab, sinTab); err != nil {
			return nil, err
		}
		if err := tensor.ApplyRoPE(k, positions, cosTab, sinTab); err != nil {
			return nil, err
		}
	}

	mask := attention.MaskSpec{Causal: true}
	if g.cfg.SlidingWindow > 0 {
		mask.WindowSize = g.cfg.SlidingWindow
	}
	if g.cfg.UseAlibi {
		mask.AlibiSlopes = alibiSlopes(g.cfg.NumHeads)
	}
	backend := attention.Select(g.cfg.AttentionBackend, g.backends, x.Device, g.cfg.HeadDim)

	var attnOut *tensor.Tensor
	if decode {
		if err := writeKVChunk(pool, pages, layer, positions, k, v, g.cfg.NumKVHeads, g.cfg.HeadDim); err != nil {
			return nil, err
		}
		attnOut, err = backend.Decode(q, pages, pool, g.cfg.NumHeads, g.cfg.NumKVHeads, mask.WindowSize)
	} else {
		attnOut, err = backend.Prefill(q, k, v, g.cfg.NumHeads, g.cfg.NumKVHeads, mask)
		if err == nil && pages != nil && pool != nil {
			// Chunked prefill (spec §4.7 step 2): the page table's pages
			// were already reserved by PagePool.Allocate at admission, so a
			// later chunk's K/V backfills into the same table a decode
			// step will read from.
			err = writeKVChunk(pool, pages, layer, positions, k, v, g.cfg.NumKVHeads, g.cfg.HeadDim)
		}
	}
	if err != nil {
		return nil, err
	}

	flat, err := attnOut.Reshape([]int64{seqLen, g.cfg.NumHeads * g.cfg.HeadDim})
	if err != nil {
		return nil, err
	}
	out, err := l.O.MatMul(flat)
	if err != nil {
		return nil, err
	}
	if g.weights.Adapter != nil {
		out, err = g.weights.Adapter.apply(l, normed, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mlpSubBlock computes the SwiGLU-gated MLP used by Llama/Mistral/Qwen2/
// Gemma2/Phi3 dense layers: down(silu(gate(x)) * up(x)).
func (g *generic) mlpSubBlock(l LayerWeights, normed *tensor.Tensor) (*tensor.Tensor, error) {
	gateOut, err := l.Gate.MatMul(normed)
	if err != nil {
		return nil, err
	}
	upOut, err := l.Up.MatMul(normed)
	if err != nil {
		return nil, err
	}
	silu(gateOut)
	gated, err := allocSame(gateOut)
	if err != nil {
		return nil, err
	}
	gv, uv := tensor.ReadF32(gateOut), tensor.ReadF32(upOut)
	out := make([]float32, len(gv))
	for i := range gv {
		out[i] = gv[i] * uv[i]
	}
	tensor.WriteF32(gated, out)
	return l.Down.MatMul(gated)
}

func silu(t *tensor.Tensor) {
	v := tensor.ReadF32(t)
	for i, x := range v {
		v[i] = x / (1 + float32(math.Exp(float64(-x))))
	}
	tensor.WriteF32(t, v)
}

func allocSame(t *tensor.Tensor) (*tensor.Tensor, error) {
	a := tensor.NewAllocator(t.Device, 0)
	return a.Alloc(append([]int64{}, t.Shape...), t.DType)
}

func addResidual(x, delta *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := tensor.Add(out, x, delta); err != nil {
		return nil, err
	}
	return out, nil
}

// swigluBlock is the standard pre-norm transformer block used by Llama,
// Mistral and Qwen2 (spec §4.4): x = x + attn(norm(x)); x = x + mlp(norm(x)).
func swigluBlock(g *generic, layer int, x *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, positions []int64, decode bool) (*tensor.Tensor, error) {
	l := g.weights.Layers[layer]
	attnOut, err := g.attnSubBlock(layer, l, x, pages, pool, positions, decode)
	if err != nil {
		return nil, err
	}
	x, err = addResidual(x, attnOut)
	if err != nil {
		return nil, err
	}

	normed, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := cpu.RMSNorm(normed, x, l.MLPNorm, g.cfg.NormEps); err != nil {
		return nil, err
	}
	mlpOut, err := g.mlpSubBlock(l, normed)
	if err != nil {
		return nil, err
	}
	return addResidual(x, mlpOut)
}

// gemmaBlock adds Gemma2's extra post-attention and post-MLP norms
// sandwiching each residual add (spec §4.4 Gemma2 variant), on top of the
// same SwiGLU structure.
func gemmaBlock(g *generic, layer int, x *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, positions []int64, decode bool) (*tensor.Tensor, error) {
	l := g.weights.Layers[layer]
	attnOut, err := g.attnSubBlock(layer, l, x, pages, pool, positions, decode)
	if err != nil {
		return nil, err
	}
	if l.PostAttnNorm != nil {
		normedAttn, err := allocSame(attnOut)
		if err != nil {
			return nil, err
		}
		if err := cpu.RMSNorm(normedAttn, attnOut, l.PostAttnNorm, g.cfg.NormEps); err != nil {
			return nil, err
		}
		attnOut = normedAttn
	}
	x, err = addResidual(x, attnOut)
	if err != nil {
		return nil, err
	}

	normed, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := cpu.RMSNorm(normed, x, l.MLPNorm, g.cfg.NormEps); err != nil {
		return nil, err
	}
	mlpOut, err := g.mlpSubBlock(l, normed)
	if err != nil {
		return nil, err
	}
	if l.PostMLPNorm != nil {
		normedMLP, err := allocSame(mlpOut)
		if err != nil {
			return nil, err
		}
		if err := cpu.RMSNorm(normedMLP, mlpOut, l.PostMLPNorm, g.cfg.NormEps); err != nil {
			return nil, err
		}
		mlpOut = normedMLP
	}
	return addResidual(x, mlpOut)
}

// parallelResidualBlock runs attention and MLP off the same normed input
// and adds both deltas to the residual stream in one step, the Phi
// architecture's parallel-residual structure (spec §4.4 Phi3 variant).
func parallelResidualBlock(g *generic, layer int, x *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, positions []int64, decode bool) (*tensor.Tensor, error) {
	l := g.weights.Layers[layer]
	normed, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := cpu.RMSNorm(normed, x, l.AttnNorm, g.cfg.NormEps); err != nil {
		return nil, err
	}

	attnOut, err := g.attnSubBlock(layer, l, x, pages, pool, positions, decode)
	if err != nil {
		return nil, err
	}
	mlpOut, err := g.mlpSubBlock(l, normed)
	if err != nil {
		return nil, err
	}
	sum, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := tensor.Add(sum, attnOut, mlpOut); err != nil {
		return nil, err
	}
	return addResidual(x, sum)
}

// moeBlock is the standard pre-norm block with a sparse mixture-of-experts
// MLP in place of the dense one (Mixtral, DeepSeek v2), routing each token
// independently (spec §4.4 MoE routing, see moe.go).
func moeBlock(g *generic, layer int, x *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, positions []int64, decode bool) (*tensor.Tensor, error) {
	l := g.weights.Layers[layer]
	attnOut, err := g.attnSubBlock(layer, l, x, pages, pool, positions, decode)
	if err != nil {
		return nil, err
	}
	x, err = addResidual(x, attnOut)
	if err != nil {
		return nil, err
	}

	normed, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := cpu.RMSNorm(normed, x, l.MLPNorm, g.cfg.NormEps); err != nil {
		return nil, err
	}
	mlpOut, err := routeAndCombine(g, l, normed)
	if err != nil {
		return nil, err
	}
	return addResidual(x, mlpOut)
}

// topKIndices returns the indices of the k largest values in scores.
func topKIndices(scores []float32, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}
