package attention

import (
	"math"

	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

// Paged reads K/V from the KV-cache via a per-sequence block table
// instead of a contiguous tensor; it is used for all decode steps and for
// prefill when the cache already contains a shared prefix (spec §4.3
// item 3).
type Paged struct{}

func (Paged) Kind() Kind { return KindPaged }

func (Paged) Supported(tensor.Device, int64) bool { return true }

// Prefill is only reachable when the caller has already materialized a
// dense K/V view (e.g. from a shared prefix plus the freshly computed
// suffix) — this backend's prefill path behaves identically to Naive on
// that view; the indirection cost is paid once by the scheduler (C7) when
// it builds block_tables, not by the kernel.
func (p Paged) Prefill(q, k, v *tensor.Tensor, numQHeads, numKVHeads int64, mask MaskSpec) (*tensor.Tensor, error) {
	return Naive{}.Prefill(q, k, v, numQHeads, numKVHeads, mask)
}

// Decode computes attention for one new query position by walking the
// sequence's page table across every valid page, exactly as vLLM-style
// paged attention does (spec §4.3, §4.5). windowSize, if positive,
// truncates the walk to the last windowSize cached positions (spec §4.4
// sliding-window attention) instead of attending to the full history.
func (p Paged) Decode(q *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, numQHeads, numKVHeads, windowSize int64) (*tensor.Tensor, error) {
	headDim := q.Shape[len(q.Shape)-1]
	qv := tensor.ReadF32(q)
	out := make([]float32, numQHeads*headDim)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	layerPool := pool.LayerPool(0)
	entries := pages.Layers[0]
	start := windowStart(pages.TotalValidLen(0), windowSize)

	for h := int64(0); h < numQHeads; h++ {
		kvh := kvHeadFor(h, numQHeads, numKVHeads)
		var maxScore float32 = -math.MaxFloat32
		var scores []float32
		var offsets []int64
		var pageKs, pageVs []*tensor.Tensor

		var pos int64
		for _, entry := range entries {
			pg := layerPool.Page(entry.PageID)
			kv_ := tensor.ReadF32(pg.K)
			for t := int64(0); t < entry.ValidLen; t++ {
				if pos < start {
					pos++
					continue
				}
				pos++
				off := (t*numKVHeads + kvh) * headDim
				var dot float32
				for d := int64(0); d < headDim; d++ {
					dot += qv[h*headDim+d] * kv_[off+d]
				}
				dot *= scale
				scores = append(scores, dot)
				offsets = append(offsets, off)
				pageKs = append(pageKs, pg.K)
				pageVs = append(pageVs, pg.V)
				if dot > maxScore {
					maxScore = dot
				}
			}
		}

		var sum float32
		for i := range scores {
			e := float32(math.Exp(float64(scores[i] - maxScore)))
			scores[i] = e
			sum += e
		}
		for i, off := range offsets {
			vv := tensor.ReadF32(pageVs[i])
			weight := float32(0)
			if sum > 0 {
				weight = scores[i] / sum
			}
			for d := int64(0); d < headDim; d++ {
				out[h*headDim+d] += weight * vv[off+d]
			}
		}
	}
	return allocLike(q, out)
}
