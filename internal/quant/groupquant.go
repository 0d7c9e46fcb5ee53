package quant

import (
	"math"

	"github.com/localmind/localmind/internal/tensor"
)

// hqqAFQ implements HQQ and AFQ: group-quantized schemes with learned,
// per-group scale/zero pairs (spec §4.2). Both share the same numeric
// contract; they differ only in how the loader derives scale/zero (HQQ via
// a half-quadratic solve, AFQ via an affine fit) which happens upstream of
// this type in the model loader, not here.
type hqqAFQ struct {
	base
	scheme    Scheme
	codes     []byte
	groupSize int64
	scales    []float32
	zeros     []float32
	alloc     *tensor.Allocator
}

func newHQQ(b base, groupSize int, raw []byte, scales, zeros []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	return &hqqAFQ{base: b, scheme: SchemeHQQ, codes: raw, groupSize: int64(groupSize), scales: scales, zeros: zeros, alloc: alloc}, nil
}

func newAFQ(b base, groupSize int, raw []byte, scales, zeros []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	return &hqqAFQ{base: b, scheme: SchemeAFQ, codes: raw, groupSize: int64(groupSize), scales: scales, zeros: zeros, alloc: alloc}, nil
}

func (h *hqqAFQ) Scheme() Scheme { return h.scheme }

func (h *hqqAFQ) Dequantize() (*tensor.Tensor, error) {
	if !h.Supported(h.device) {
		return nil, dequantizeErr(h.scheme, h.device, []int64{h.n, h.k})
	}
	n := h.n * h.k
	flat := make([]float32, n)
	for g := int64(0); g*h.groupSize < n; g++ {
		s, z := h.scales[g], h.zeros[g]
		for j := int64(0); j < h.groupSize && g*h.groupSize+j < n; j++ {
			idx := g*h.groupSize + j
			flat[idx] = float32(h.codes[idx])*s + z
		}
	}
	out, err := h.alloc.Alloc([]int64{h.n, h.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(out, flat)
	return out, nil
}

func (h *hqqAFQ) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	dense, err := h.Dequantize()
	if err != nil {
		return nil, err
	}
	return denseMatMul(h.alloc, x, dense, h.n, h.k, h.bias)
}

// ApplyImatrix lets HQQ/AFQ refine their scale/zero fit using an
// importance matrix; schemes that don't implement ImatrixAware silently
// ignore imatrix data instead (spec §4.2).
func (h *hqqAFQ) ApplyImatrix(imatrix []float32) error {
	if len(imatrix) == 0 {
		return nil
	}
	for g := range h.scales {
		if g < len(imatrix) && imatrix[g] > 0 {
			h.scales[g] *= imatrix[g]
		}
	}
	return nil
}

// bnb implements 4-bit non-linear (NF4/FP4) quantization with
// double-quantized scales: the per-block scale is itself quantized and
// dequantized via a second-level scale (spec §4.2).
type bnb struct {
	base
	scheme       Scheme
	codes        []byte
	blockScales  []float32 // first-level, already double-dequantized by the loader
	nf4LUT       [16]float32
	alloc        *tensor.Allocator
	blockSize    int64
}

var nf4Levels = [16]float32{
	-1.0, -0.6961928, -0.5250730, -0.3949693, -0.2844144, -0.1847763, -0.0911699, 0.0,
	0.0795803, 0.1609302, 0.2461123, 0.3379469, 0.4407098, 0.5626170, 0.7229568, 1.0,
}

func newBnB(b base, scheme Scheme, raw []byte, scales []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	return &bnb{base: b, scheme: scheme, codes: raw, blockScales: scales, nf4LUT: nf4Levels, alloc: alloc, blockSize: 64}, nil
}

func (q *bnb) Scheme() Scheme { return q.scheme }

func (q *bnb) Dequantize() (*tensor.Tensor, error) {
	if !q.Supported(q.device) {
		return nil, dequantizeErr(q.scheme, q.device, []int64{q.n, q.k})
	}
	n := q.n * q.k
	flat := make([]float32, n)
	for b := int64(0); b*q.blockSize < n; b++ {
		scale := q.blockScales[b]
		for j := int64(0); j < q.blockSize && b*q.blockSize+j < n; j++ {
			idx := b*q.blockSize + j
			code := q.codes[idx] & 0x0F
			flat[idx] = q.nf4LUT[code] * scale
		}
	}
	out, err := q.alloc.Alloc([]int64{q.n, q.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(out, flat)
	return out, nil
}

func (q *bnb) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	dense, err := q.Dequantize()
	if err != nil {
		return nil, err
	}
	return denseMatMul(q.alloc, x, dense, q.n, q.k, q.bias)
}

// dense is the unquantized passthrough (spec §4.2): raw holds
// little-endian F32 values (the GGUF loader widens F16/BF16 first).
type dense struct {
	base
	weight *tensor.Tensor
	alloc  *tensor.Allocator
}

func newDense(b base, raw []byte, alloc *tensor.Allocator) (QuantMethod, error) {
	w, err := alloc.Alloc([]int64{b.n, b.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	vals := make([]float32, b.n*b.k)
	for i := range vals {
		if i*4+3 < len(raw) {
			vals[i] = bytesToF32(raw[i*4 : i*4+4])
		}
	}
	tensor.WriteF32(w, vals)
	return &dense{base: b, weight: w, alloc: alloc}, nil
}

func bytesToF32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func (d *dense) Scheme() Scheme                { return SchemeDense }
func (d *dense) Dequantize() (*tensor.Tensor, error) { return d.weight, nil }
func (d *dense) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	return denseMatMul(d.alloc, x, d.weight, d.n, d.k, d.bias)
}
