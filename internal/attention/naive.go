package attention

import (
	"math"

	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

// Naive is the reference backend: softmax(Q·Kᵀ/√d + mask) · V, computed
// densely with no kernel fusion (spec §4.3 item 1).
type Naive struct{}

func (Naive) Kind() Kind { return KindNaive }

func (Naive) Supported(tensor.Device, int64) bool { return true }

// Prefill computes dense causal (or masked) attention over q,k,v shaped
// [seqLen, numHeads, headDim] (Q) / [seqLen, numKVHeads, headDim] (K,V).
func (n Naive) Prefill(q, k, v *tensor.Tensor, numQHeads, numKVHeads int64, mask MaskSpec) (*tensor.Tensor, error) {
	seqLen := q.Shape[0]
	headDim := q.Shape[2]
	qv, kv_, vv := tensor.ReadF32(q), tensor.ReadF32(k), tensor.ReadF32(v)
	out := make([]float32, seqLen*numQHeads*headDim)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	for h := int64(0); h < numQHeads; h++ {
		kvh := kvHeadFor(h, numQHeads, numKVHeads)
		for i := int64(0); i < seqLen; i++ {
			scores := make([]float32, seqLen)
			var maxScore float32 = -math.MaxFloat32
			for j := int64(0); j < seqLen; j++ {
				if !maskAllows(mask, i, j, seqLen) {
					scores[j] = float32(math.Inf(-1))
					continue
				}
				var dot float32
				for d := int64(0); d < headDim; d++ {
					dot += qv[(i*numQHeads+h)*headDim+d] * kv_[(j*numKVHeads+kvh)*headDim+d]
				}
				dot *= scale
				if mask.AlibiSlopes != nil {
					dot += AlibiBias(mask.AlibiSlopes[h], i, j)
				}
				scores[j] = dot
				if dot > maxScore {
					maxScore = dot
				}
			}
			var sum float32
			for j := range scores {
				if math.IsInf(float64(scores[j]), -1) {
					scores[j] = 0
					continue
				}
				e := float32(math.Exp(float64(scores[j] - maxScore)))
				scores[j] = e
				sum += e
			}
			for d := int64(0); d < headDim; d++ {
				var acc float32
				for j := int64(0); j < seqLen; j++ {
					if sum == 0 {
						continue
					}
					acc += (scores[j] / sum) * vv[(j*numKVHeads+kvh)*headDim+d]
				}
				out[(i*numQHeads+h)*headDim+d] = acc
			}
		}
	}

	return allocLike(q, out)
}

// Decode computes attention for a single new query position against the
// cached K/V read from pages (used as the naive fallback path for
// decode when paged attention is unavailable, spec §4.3). windowSize, if
// positive, bounds the attended range to the last windowSize cached
// positions (spec §4.4 sliding-window attention).
func (n Naive) Decode(q *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, numQHeads, numKVHeads, windowSize int64) (*tensor.Tensor, error) {
	headDim := q.Shape[len(q.Shape)-1]
	qv := tensor.ReadF32(q)
	out := make([]float32, numQHeads*headDim)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	start := windowStart(pages.TotalValidLen(0), windowSize)

	for h := int64(0); h < numQHeads; h++ {
		kvh := kvHeadFor(h, numQHeads, numKVHeads)
		var scores []float32
		var kvecs, vvecs [][]float32
		layerPool := pool.LayerPool(0)
		var pos int64
		for _, entry := range pages.Layers[0] {
			pg := layerPool.Page(entry.PageID)
			kv_ := tensor.ReadF32(pg.K)
			vv := tensor.ReadF32(pg.V)
			for t := int64(0); t < entry.ValidLen; t++ {
				if pos < start {
					pos++
					continue
				}
				pos++
				off := (t*numKVHeads + kvh) * headDim
				kvecs = append(kvecs, kv_[off:off+headDim])
				vvecs = append(vvecs, vv[off:off+headDim])
			}
		}
		scores = make([]float32, len(kvecs))
		var maxScore float32 = -math.MaxFloat32
		for i, kvec := range kvecs {
			var dot float32
			for d := int64(0); d < headDim; d++ {
				dot += qv[h*headDim+d] * kvec[d]
			}
			dot *= scale
			scores[i] = dot
			if dot > maxScore {
				maxScore = dot
			}
		}
		var sum float32
		for i := range scores {
			e := float32(math.Exp(float64(scores[i] - maxScore)))
			scores[i] = e
			sum += e
		}
		for d := int64(0); d < headDim; d++ {
			var acc float32
			for i, vvec := range vvecs {
				if sum == 0 {
					continue
				}
				acc += (scores[i] / sum) * vvec[d]
			}
			out[h*headDim+d] = acc
		}
	}
	return allocLike(q, out)
}

func maskAllows(m MaskSpec, i, j, seqLen int64) bool {
	if len(m.Dense2D) > 0 {
		return m.Dense2D[i][j]
	}
	if m.Causal && j > i {
		return false
	}
	if m.WindowSize > 0 && i-j >= m.WindowSize {
		return false
	}
	return true
}

// allocLike creates a fresh CPU tensor with q's leading shape[0] (when
// shaped [n, heads, dim]) holding vals; a small convenience since
// attention backends don't carry their own allocator reference.
func allocLike(q *tensor.Tensor, vals []float32) (*tensor.Tensor, error) {
	a := tensor.NewAllocator(q.Device, 0)
	shape := append([]int64{}, q.Shape...)
	out, err := a.Alloc(shape, tensor.F32)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(out, vals)
	return out, nil
}
