package quant

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/localmind/localmind/internal/tensor"
)

// Q4_0 / Q4_1 / Q8_0 implement the classic GGML 32-element block schemes.
// Layout and dequantization are grounded on the reference GGML Q4_0 block
// decode (2-byte scale + 16 bytes of packed 4-bit values per 32-element
// block, signed via a -8 zero point): value = (q - 8) * scale.

const smallBlockSize = 32

// numWorkers bounds the goroutine fan-out for the dense-matmul fallback
// path, matching the worker-pool sizing used by reference GGML matmul code.
var numWorkers = runtime.NumCPU()

type q4_0 struct {
	base
	raw    []byte // packed 4-bit values, 16 bytes per 32-value block
	scales []float32
	alloc  *tensor.Allocator
}

func newQ4_0(b base, blockSize int, raw []byte, scales []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	if blockSize != smallBlockSize {
		return nil, fmt.Errorf("quant: q4_0 requires block size %d, got %d", smallBlockSize, blockSize)
	}
	return &q4_0{base: b, raw: raw, scales: scales, alloc: alloc}, nil
}

func (q *q4_0) Scheme() Scheme { return SchemeQ4_0 }

func (q *q4_0) dequantBlock(blockIdx int, out []float32) {
	off := blockIdx * (smallBlockSize / 2)
	d := q.scales[blockIdx]
	for j := 0; j < smallBlockSize/2; j++ {
		b := q.raw[off+j]
		v0 := int(b&0x0F) - 8
		v1 := int(b>>4) - 8
		out[j] = float32(v0) * d
		out[j+smallBlockSize/2] = float32(v1) * d
	}
}

func (q *q4_0) Dequantize() (*tensor.Tensor, error) {
	if !q.Supported(q.device) {
		return nil, dequantizeErr(q.Scheme(), q.device, []int64{q.n, q.k})
	}
	out, err := q.alloc.Alloc([]int64{q.n, q.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	flat := make([]float32, q.n*q.k)
	nblocks := int(q.n*q.k) / smallBlockSize
	for i := 0; i < nblocks; i++ {
		q.dequantBlock(i, flat[i*smallBlockSize:])
	}
	tensor.WriteF32(out, flat)
	return out, nil
}

// MatMul dequantizes row-blocks on demand and accumulates against x,
// parallelized across output rows the way the reference worker-pool
// matmul in the pack splits row ranges across goroutines.
func (q *q4_0) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !q.Supported(q.device) {
		return nil, dequantizeErr(q.Scheme(), q.device, []int64{q.n, q.k})
	}
	xv := tensor.ReadF32(x)
	rows := x.NumElements() / q.k
	out := make([]float32, rows*q.n)
	blocksPerRow := q.k / smallBlockSize

	var wg sync.WaitGroup
	chunk := (int(q.n) + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		lo, hi := w*chunk, min(int(q.n), (w+1)*chunk)
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			rowbuf := make([]float32, q.k)
			for r := lo; r < hi; r++ {
				for b := int64(0); b < blocksPerRow; b++ {
					q.dequantBlock(r*int(blocksPerRow)+int(b), rowbuf[b*smallBlockSize:])
				}
				for m := int64(0); m < rows; m++ {
					var acc float32
					xrow := xv[m*q.k : (m+1)*q.k]
					for c := int64(0); c < q.k; c++ {
						acc += xrow[c] * rowbuf[c]
					}
					out[m*q.n+int64(r)] = acc
				}
			}
		}(lo, hi)
	}
	wg.Wait()

	dst, err := q.alloc.Alloc([]int64{rows, q.n}, tensor.F32)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(dst, out)
	if q.bias != nil {
		if err := tensor.Add(dst, dst, q.bias); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// q4_1 adds a per-block zero point (float) to the q4_0 layout, giving
// value = q*scale + zero instead of (q-8)*scale.
type q4_1 struct {
	base
	raw    []byte
	scales []float32
	zeros  []float32
	alloc  *tensor.Allocator
}

func newQ4_1(b base, blockSize int, raw []byte, scales, zeros []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	if blockSize != smallBlockSize {
		return nil, fmt.Errorf("quant: q4_1 requires block size %d, got %d", smallBlockSize, blockSize)
	}
	return &q4_1{base: b, raw: raw, scales: scales, zeros: zeros, alloc: alloc}, nil
}

func (q *q4_1) Scheme() Scheme { return SchemeQ4_1 }

func (q *q4_1) Dequantize() (*tensor.Tensor, error) {
	if !q.Supported(q.device) {
		return nil, dequantizeErr(q.Scheme(), q.device, []int64{q.n, q.k})
	}
	out, err := q.alloc.Alloc([]int64{q.n, q.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	flat := make([]float32, q.n*q.k)
	nblocks := int(q.n*q.k) / smallBlockSize
	for i := 0; i < nblocks; i++ {
		off := i * (smallBlockSize / 2)
		d, z := q.scales[i], q.zeros[i]
		for j := 0; j < smallBlockSize/2; j++ {
			b := q.raw[off+j]
			v0 := int(b & 0x0F)
			v1 := int(b >> 4)
			flat[i*smallBlockSize+j] = float32(v0)*d + z
			flat[i*smallBlockSize+j+smallBlockSize/2] = float32(v1)*d + z
		}
	}
	tensor.WriteF32(out, flat)
	return out, nil
}

func (q *q4_1) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	dense, err := q.Dequantize()
	if err != nil {
		return nil, err
	}
	return denseMatMul(q.alloc, x, dense, q.n, q.k, q.bias)
}

// q8_0 is a single-scale 32-element block with signed 8-bit values.
type q8_0 struct {
	base
	raw    []byte
	scales []float32
	alloc  *tensor.Allocator
}

func newQ8_0(b base, blockSize int, raw []byte, scales []float32, alloc *tensor.Allocator) (QuantMethod, error) {
	if blockSize != smallBlockSize {
		return nil, fmt.Errorf("quant: q8_0 requires block size %d, got %d", smallBlockSize, blockSize)
	}
	return &q8_0{base: b, raw: raw, scales: scales, alloc: alloc}, nil
}

func (q *q8_0) Scheme() Scheme { return SchemeQ8_0 }

func (q *q8_0) Dequantize() (*tensor.Tensor, error) {
	if !q.Supported(q.device) {
		return nil, dequantizeErr(q.Scheme(), q.device, []int64{q.n, q.k})
	}
	out, err := q.alloc.Alloc([]int64{q.n, q.k}, tensor.F32)
	if err != nil {
		return nil, err
	}
	flat := make([]float32, q.n*q.k)
	nblocks := int(q.n*q.k) / smallBlockSize
	for i := 0; i < nblocks; i++ {
		d := q.scales[i]
		for j := 0; j < smallBlockSize; j++ {
			flat[i*smallBlockSize+j] = float32(int8(q.raw[i*smallBlockSize+j])) * d
		}
	}
	tensor.WriteF32(out, flat)
	return out, nil
}

func (q *q8_0) MatMul(x *tensor.Tensor) (*tensor.Tensor, error) {
	dense, err := q.Dequantize()
	if err != nil {
		return nil, err
	}
	return denseMatMul(q.alloc, x, dense, q.n, q.k, q.bias)
}

// denseMatMul is the shared dequantize-then-matmul fallback used by
// schemes whose fused-kernel path isn't worth hand-unrolling: x [m,k] @
// dense [n,k]ᵀ, with numerics identical to a true fused kernel by the
// quantization layer's own contract (spec §4.2, §8).
func denseMatMul(alloc *tensor.Allocator, x, dense *tensor.Tensor, n, k int64, bias *tensor.Tensor) (*tensor.Tensor, error) {
	denseT, err := transpose(alloc, dense, n, k)
	if err != nil {
		return nil, err
	}
	rows := x.NumElements() / k
	dst, err := alloc.Alloc([]int64{rows, n}, tensor.F32)
	if err != nil {
		return nil, err
	}
	x2, _ := x.Reshape([]int64{rows, k})
	if err := (tensor.CPUBackend{}).MatMul(dst, x2, denseT); err != nil {
		return nil, err
	}
	if bias != nil {
		if err := tensor.Add(dst, dst, bias); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func transpose(alloc *tensor.Allocator, w *tensor.Tensor, n, k int64) (*tensor.Tensor, error) {
	wv := tensor.ReadF32(w)
	out := make([]float32, n*k)
	for i := int64(0); i < n; i++ {
		for j := int64(0); j < k; j++ {
			out[j*n+i] = wv[i*k+j]
		}
	}
	t, err := alloc.Alloc([]int64{k, n}, tensor.F32)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(t, out)
	return t, nil
}
