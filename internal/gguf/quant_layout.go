package gguf

import (
	"fmt"

	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/quant"
	"github.com/localmind/localmind/internal/tensor"
)

// GGMLType enumerates GGUF's on-disk tensor storage types, adapted from
// gguf-parser-go's ggml.go GGMLType table: dense float formats plus every
// block-quantized scheme this loader maps onto internal/quant.Scheme.
type GGMLType uint32

const (
	GGMLTypeF32 GGMLType = iota
	GGMLTypeF16
	GGMLTypeQ4_0
	GGMLTypeQ4_1
	_ // Q4_2, removed upstream
	_ // Q4_3, removed upstream
	GGMLTypeQ5_0
	GGMLTypeQ5_1
	GGMLTypeQ8_0
	GGMLTypeQ8_1
	GGMLTypeQ2_K
	GGMLTypeQ3_K
	GGMLTypeQ4_K
	GGMLTypeQ5_K
	GGMLTypeQ6_K
	GGMLTypeQ8_K
	GGMLTypeIQ2_XXS
	GGMLTypeIQ2_XS
	GGMLTypeIQ3_XXS
	GGMLTypeIQ1_S
	GGMLTypeIQ4_NL
	GGMLTypeIQ3_S
	GGMLTypeIQ2_S
	GGMLTypeIQ4_XS
	GGMLTypeI8
	GGMLTypeI16
	GGMLTypeI32
	GGMLTypeI64
	GGMLTypeF64
	GGMLTypeIQ1_M
	GGMLTypeBF16
)

// Trait describes a GGML type's block layout: BlockSize elements are
// packed into TypeSize on-disk bytes. Dense types have BlockSize 1.
type Trait struct {
	BlockSize int
	TypeSize  int
	Quantized bool
}

var traits = map[GGMLType]Trait{
	GGMLTypeF32:     {1, 4, false},
	GGMLTypeF16:     {1, 2, false},
	GGMLTypeBF16:    {1, 2, false},
	GGMLTypeF64:     {1, 8, false},
	GGMLTypeI8:      {1, 1, false},
	GGMLTypeI16:     {1, 2, false},
	GGMLTypeI32:     {1, 4, false},
	GGMLTypeI64:     {1, 8, false},
	GGMLTypeQ4_0:    {32, 18, true},
	GGMLTypeQ4_1:    {32, 20, true},
	GGMLTypeQ5_0:    {32, 22, true},
	GGMLTypeQ5_1:    {32, 24, true},
	GGMLTypeQ8_0:    {32, 34, true},
	GGMLTypeQ8_1:    {32, 36, true},
	GGMLTypeQ2_K:    {256, 84, true},
	GGMLTypeQ3_K:    {256, 110, true},
	GGMLTypeQ4_K:    {256, 144, true},
	GGMLTypeQ5_K:    {256, 176, true},
	GGMLTypeQ6_K:    {256, 210, true},
	GGMLTypeQ8_K:    {256, 292, true},
	GGMLTypeIQ4_NL:  {32, 18, true},
	GGMLTypeIQ4_XS:  {256, 136, true},
}

// Trait returns t's block layout. Unknown types (the IQn "tricky"
// i-quants this loader doesn't support dequantizing) return the zero
// Trait with Quantized false; callers must check TypeSize != 0.
func (t GGMLType) Trait() Trait { return traits[t] }

// IsQuantized reports whether t is a block-quantized (vs. dense) type.
func (t GGMLType) IsQuantized() bool { return traits[t].Quantized }

// scheme maps a GGML storage type to the quant.Scheme this build knows
// how to construct a QuantMethod for. K-quants with sub-block scale
// hierarchies narrower than this build supports (Q2_K, Q3_K, Q8_K) and
// the IQn i-quants are intentionally unsupported: errs.Unsupported at
// load time rather than a silent wrong dequantization.
func (t GGMLType) scheme() (quant.Scheme, error) {
	switch t {
	case GGMLTypeQ4_0:
		return quant.SchemeQ4_0, nil
	case GGMLTypeQ4_1:
		return quant.SchemeQ4_1, nil
	case GGMLTypeQ8_0:
		return quant.SchemeQ8_0, nil
	case GGMLTypeQ4_K:
		return quant.SchemeQ4_K, nil
	case GGMLTypeQ5_K:
		return quant.SchemeQ5_K, nil
	case GGMLTypeQ6_K:
		return quant.SchemeQ6_K, nil
	case GGMLTypeF32, GGMLTypeF16, GGMLTypeBF16:
		return quant.SchemeDense, nil
	default:
		return "", errs.Unsupported(fmt.Sprintf("ggml_type_%d", t), "load")
	}
}

// dtype returns the dense tensor.DType a dequantized (or already-dense)
// tensor of this GGML type should be materialized as.
func (t GGMLType) dtype() tensor.DType {
	switch t {
	case GGMLTypeF16:
		return tensor.F16
	case GGMLTypeBF16:
		return tensor.BF16
	default:
		return tensor.F32
	}
}
