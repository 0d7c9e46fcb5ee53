// Package quant implements the QuantMethod capability (spec §4.2): every
// block-quantized weight representation exposes MatMul and Dequantize
// against a shared contract, regardless of on-disk scheme. Variants that
// cannot serve a request (unsupported shape, missing device kernel) return
// errs.Unsupported rather than aborting (spec §4.2, §7).
package quant

import (
	"fmt"

	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/tensor"
)

// Scheme names the quantization layout of a weight tensor.
type Scheme string

const (
	SchemeQ4_0   Scheme = "q4_0"
	SchemeQ4_1   Scheme = "q4_1"
	SchemeQ4_K   Scheme = "q4_k"
	SchemeQ5_K   Scheme = "q5_k"
	SchemeQ6_K   Scheme = "q6_k"
	SchemeQ8_0   Scheme = "q8_0"
	SchemeFP8BW  Scheme = "fp8_blockwise"
	SchemeHQQ    Scheme = "hqq"
	SchemeAFQ    Scheme = "afq"
	SchemeBnBNF4 Scheme = "bnb_nf4"
	SchemeBnBFP4 Scheme = "bnb_fp4"
	SchemeDense  Scheme = "dense"
)

// QuantMethod is the capability every quantized (or dense) weight exposes.
type QuantMethod interface {
	// MatMul computes x @ Wᵀ against the logical dense weight, returning
	// errs.Unsupported when the scheme/device combination cannot serve the
	// request. Schemes that use denseMatMul dequantize the whole weight
	// first and multiply against that dense copy.
	MatMul(x *tensor.Tensor) (*tensor.Tensor, error)
	// Dequantize materializes the full dense FP16/F32 weight.
	Dequantize() (*tensor.Tensor, error)
	// InnerShape returns (n, k) for a logical [n, k] weight.
	InnerShape() (n, k int64)
	// Bias returns the fused bias tensor, or nil if the layer is unbiased.
	Bias() *tensor.Tensor
	// Supported reports whether this instance can serve requests on d
	// without panicking at call time (spec §4.2).
	Supported(d tensor.Device) bool
	// Scheme identifies the on-disk quantization layout.
	Scheme() Scheme
}

// ImatrixAware is implemented by schemes that can make use of an attached
// importance matrix. Schemes that don't implement it silently ignore
// imatrix data with a warning rather than aborting load (spec §4.2).
type ImatrixAware interface {
	ApplyImatrix(imatrix []float32) error
}

// base carries the fields shared by every scheme implementation.
type base struct {
	n, k   int64
	bias   *tensor.Tensor
	device tensor.Device
}

func (b *base) InnerShape() (int64, int64) { return b.n, b.k }
func (b *base) Bias() *tensor.Tensor       { return b.bias }
func (b *base) Supported(d tensor.Device) bool {
	return d.Kind == tensor.Cpu // reference backend supports CPU unconditionally
}

// New constructs a QuantMethod for scheme from its raw on-disk bytes. alloc
// is the device allocator weights are dequantized into when MatMul needs a
// dense scratch buffer.
func New(scheme Scheme, n, k int64, blockSize int, raw []byte, scales []float32, zeros []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	b := base{n: n, k: k, device: tensor.Device{Kind: tensor.Cpu}}
	switch scheme {
	case SchemeQ4_0:
		return newQ4_0(b, blockSize, raw, scales, alloc)
	case SchemeQ4_1:
		return newQ4_1(b, blockSize, raw, scales, zeros, alloc)
	case SchemeQ4_K:
		return newQK(b, scheme, 256, raw, scales, alloc)
	case SchemeQ5_K:
		return newQK(b, scheme, 256, raw, scales, alloc)
	case SchemeQ6_K:
		return newQK(b, scheme, 256, raw, scales, alloc)
	case SchemeQ8_0:
		return newQ8_0(b, blockSize, raw, scales, alloc)
	case SchemeFP8BW:
		return newFP8Blockwise(b, raw, scales, alloc)
	case SchemeHQQ:
		return newHQQ(b, blockSize, raw, scales, zeros, alloc)
	case SchemeAFQ:
		return newAFQ(b, blockSize, raw, scales, zeros, alloc)
	case SchemeBnBNF4:
		return newBnB(b, scheme, raw, scales, alloc)
	case SchemeBnBFP4:
		return newBnB(b, scheme, raw, scales, alloc)
	case SchemeDense:
		return newDense(b, raw, alloc)
	default:
		return nil, errs.Unsupported(string(scheme), b.device.String())
	}
}

func dequantizeErr(scheme Scheme, device tensor.Device, shape []int64) error {
	return fmt.Errorf("quant: dequantize %s on %s for shape %v: %w", scheme, device, shape, errs.Unsupported(string(scheme), device.String()))
}
