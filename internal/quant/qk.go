package quant

import (
	"fmt"

	"github.com/localmind/localmind/internal/tensor"
)

// qkSuperBlockSize is the 256-element GGUF K-quant superblock size shared
// by Q4_K, Q5_K, Q6_K (spec §4.2): each superblock carries per-subblock
// scales and mins rather than one scale per block.
const qkSuperBlockSize = 256
const qkSubBlocksPerSuper = 8 // 32 elements per sub-block

// qkVariant implements the K-quant family. The GGUF bit-packing itself
// (4/5/6-bit codes, 6-bit packed sub-scales) is decoded by internal/gguf at
// load time into per-subblock float32 scale/min pairs and a per-element
// dequantized-code byte slice; this type owns only the matmul/dequantize
// numerics contract, not the TLV/bit-packing (see DESIGN.md).
type qkVariant struct {
	base
	scheme    Scheme
	codes     []byte    // one byte per element: the unpacked (already widened) quant code
	subScales []float32 // one per 32-element sub-block
	subMins   []float32 // one per 32-element sub-block
	alloc     *tensor.Allocator
}

func newQK(b base, scheme Scheme, blockSize int, raw []byte, scales []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	if blockSize != qkSuperBlockSize {
		return nil, fmt.Errorf("quant: %s requires superblock size %d, got %d", scheme, qkSuperBlockSize, blockSize)
	}
	n := b.n * b.k
	nsub := n / 32
	if int64(len(scales)) < nsub {
		return nil, fmt.Errorf("quant: %s expected >= %d sub-block scales, got %d", scheme, nsub, len(scales))
	}
	mins := make([]float32, nsub)
	if int64(len(scales)) >= 2*nsub {
		mins = scales[nsub : 2*nsub]
	}
	return &qkVariant{base: b, scheme: scheme, codes: raw, subScales: scales[:nsub], subMins: mins, alloc: alloc}, nil
}

func (q *qkVariant) Scheme() Scheme { return q.scheme }

func (q *qkVariant) Dequantize() (*tensor.Tensor, error) {
	if !q.Supported(q.device) {
		return nil, dequantizeErr(q.scheme, q.device, []int64{q.n, q.k})
	}
	n := q.n * q.k
	flat := make([]float32, n)
	for sub := int64(0); sub*32 < n; sub++ {
		d := q.subScales[sub]
		m := q.subMins[sub]
		for j := int64(0); j < 32 && sub*32+j < n; j++ {
			idx := sub*32 + j
			flat[idx] = float32(q.codes[idx])*d - m
		}
	}
	out, err := q.alloc.Alloc([]int64{q.n, q.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(out, flat)
	return out, nil
}

func (q *qkVariant) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	dense, err := q.Dequantize()
	if err != nil {
		return nil, err
	}
	return denseMatMul(q.alloc, x, dense, q.n, q.k, q.bias)
}
