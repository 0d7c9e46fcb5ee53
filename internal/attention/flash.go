package attention

import (
	"math"

	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

// flashTileSize bounds the key/value tile width processed per inner loop
// iteration, avoiding ever materializing the full seqLen×seqLen score
// matrix (spec §4.3 item 2).
const flashTileSize = 64

// Flash is the fused, tiled attention backend chosen automatically for
// prefill with long prompts (spec §4.3). Numerically it computes the same
// result as Naive — the online-softmax tiling changes memory traffic, not
// the answer — so this CPU reference implementation shares Naive's math
// applied tile-by-tile with a running max/sum (the standard flash-attention
// recurrence), rather than reimplementing a separate fused kernel in Go.
type Flash struct{}

func (Flash) Kind() Kind { return KindFlash }

func (Flash) Supported(tensor.Device, int64) bool { return true }

func (f Flash) Prefill(q, k, v *tensor.Tensor, numQHeads, numKVHeads int64, mask MaskSpec) (*tensor.Tensor, error) {
	seqLen := q.Shape[0]
	headDim := q.Shape[2]
	qv, kv_, vv := tensor.ReadF32(q), tensor.ReadF32(k), tensor.ReadF32(v)
	out := make([]float32, seqLen*numQHeads*headDim)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	for h := int64(0); h < numQHeads; h++ {
		kvh := kvHeadFor(h, numQHeads, numKVHeads)
		for i := int64(0); i < seqLen; i++ {
			runningMax := float32(-math.MaxFloat32)
			runningSum := float32(0)
			acc := make([]float32, headDim)

			for tileStart := int64(0); tileStart < seqLen; tileStart += flashTileSize {
				tileEnd := tileStart + flashTileSize
				if tileEnd > seqLen {
					tileEnd = seqLen
				}
				for j := tileStart; j < tileEnd; j++ {
					if !maskAllows(mask, i, j, seqLen) {
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

					newMax := runningMax
					if dot > newMax {
						newMax = dot
					}
					correction := float32(math.Exp(float64(runningMax - newMax)))
					p := float32(math.Exp(float64(dot - newMax)))
					runningSum = runningSum*correction + p
					for d := int64(0); d < headDim; d++ {
						acc[d] = acc[d]*correction + p*vv[(j*numKVHeads+kvh)*headDim+d]
					}
					runningMax = newMax
				}
			}
			for d := int64(0); d < headDim; d++ {
				if runningSum > 0 {
					out[(i*numQHeads+h)*headDim+d] = acc[d] / runningSum
				}
			}
		}
	}
	return allocLike(q, out)
}

// Decode falls back to the same dense per-page read Naive uses; flash
// attention's benefit is prefill-time tiling, decode is always a single
// query row against the cache (spec §4.3: paged attention handles all
// decode steps in practice, this exists so Flash alone remains a complete
// Backend).
func (f Flash) Decode(q *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, numQHeads, numKVHeads, windowSize int64) (*tensor.Tensor, error) {
	return Naive{}.Decode(q, pages, pool, numQHeads, numKVHeads, windowSize)
}
