package quant

import (
	"fmt"

	"github.com/localmind/localmind/internal/tensor"
)

// fp8BlockwiseTile is the 128x128 weight tile size over which one FP32
// scale is shared (spec §4.2). MatMul applies the tile scales while
// dequantizing the whole weight, then multiplies via denseMatMul; the
// scale is not fused into the accumulate.
const fp8BlockwiseTile = 128

type fp8Blockwise struct {
	base
	codes     []byte // one byte per element, an FP8 E4M3-style code
	tileScale []float32
	alloc     *tensor.Allocator
}

func newFP8Blockwise(b base, raw []byte, scales []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	tilesN := (b.n + fp8BlockwiseTile - 1) / fp8BlockwiseTile
	tilesK := (b.k + fp8BlockwiseTile - 1) / fp8BlockwiseTile
	want := tilesN * tilesK
	if int64(len(scales)) < want {
		return nil, fmt.Errorf("quant: fp8_blockwise expected %d tile scales, got %d", want, len(scales))
	}
	return &fp8Blockwise{base: b, codes: raw, tileScale: scales, alloc: alloc}, nil
}

func (f *fp8Blockwise) Scheme() Scheme { return SchemeFP8BW }

// fp8ToFloat32 decodes a simplified FP8 E4M3 code (1 sign, 4 exponent, 3
// mantissa bits) to float32.
func fp8ToFloat32(code byte) float32 {
	sign := float32(1)
	if code&0x80 != 0 {
		sign = -1
	}
	exp := int((code >> 3) & 0x0F)
	mant := float32(code&0x07) / 8.0
	if exp == 0 {
		return sign * mant * 0.015625 // subnormal, bias 2^-6
	}
	return sign * (1 + mant) * pow2(exp-7)
}

func pow2(e int) float32 {
	v := float32(1)
	if e >= 0 {
		for i := 0; i < e; i++ {
			v *= 2
		}
	} else {
		for i := 0; i < -e; i++ {
			v /= 2
		}
	}
	return v
}

func (f *fp8Blockwise) tilesPerRow() int64 { return (f.k + fp8BlockwiseTile - 1) / fp8BlockwiseTile }

func (f *fp8Blockwise) Dequantize() (*tensor.Tensor, error) {
	if !f.Supported(f.device) {
		return nil, dequantizeErr(f.Scheme(), f.device, []int64{f.n, f.k})
	}
	flat := make([]float32, f.n*f.k)
	tilesPerRow := f.tilesPerRow()
	for i := int64(0); i < f.n; i++ {
		tileRow := i / fp8BlockwiseTile
		for j := int64(0); j < f.k; j++ {
			tileCol := j / fp8BlockwiseTile
			scale := f.tileScale[tileRow*tilesPerRow+tileCol]
			flat[i*f.k+j] = fp8ToFloat32(f.codes[i*f.k+j]) * scale
		}
	}
	out, err := f.alloc.Alloc([]int64{f.n, f.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(out, flat)
	return out, nil
}

func (f *fp8Blockwise) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	dense, err := f.Dequantize()
	if err != nil {
		return nil, err
	}
	return denseMatMul(f.alloc, x, dense, f.n, f.k, f.bias)
}
