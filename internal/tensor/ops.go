package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Backend executes tensor ops for one device kind. A CPU reference
// implementation exists for every op to enable correctness tests against
// GPU backends (spec §4.1); only the CPU backend ships in this repo, Cuda
// and Metal are wired as the polymorphism point for a future build tag.
type Backend interface {
	MatMul(dst, a, b *Tensor) error
	Softmax(dst, src *Tensor) error
	RMSNorm(dst, src, weight *Tensor, eps float32) error
}

// CPUBackend is the reference implementation; every op operates on F32
// data regardless of the tensor's nominal DType, matching the teacher's
// CPU-reference-for-every-kernel pattern used to validate GPU paths.
type CPUBackend struct{}

func f32View(t *Tensor) []float32 {
	raw := t.Bytes()
	n := t.NumElements()
	out := make([]float32, n)
	for i := int64(0); i < n; i++ {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func writeF32(t *Tensor, vals []float32) {
	raw := t.Bytes()
	for i, v := range vals {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}
}

// MatMul computes dst = a @ b for 2-D a [m,k] and b [k,n].
func (CPUBackend) MatMul(dst, a, b *Tensor) error {
	if err := requireSameDevice(dst, a, b); err != nil {
		return err
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return fmt.Errorf("tensor: MatMul requires 2-D operands, got shapes %v, %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	k2, n := b.Shape[0], b.Shape[1]
	if k != k2 {
		return fmt.Errorf("tensor: MatMul inner dim mismatch: %d vs %d", k, k2)
	}
	av, bv := f32View(a), f32View(b)
	out := make([]float32, m*n)
	for i := int64(0); i < m; i++ {
		for p := int64(0); p < k; p++ {
			av_ip := av[i*k+p]
			if av_ip == 0 {
				continue
			}
			for j := int64(0); j < n; j++ {
				out[i*n+j] += av_ip * bv[p*n+j]
			}
		}
	}
	writeF32(dst, out)
	return nil
}

// BatchedMatMul applies MatMul across a leading batch dimension.
func (c CPUBackend) BatchedMatMul(dst, a, b *Tensor) error {
	if len(a.Shape) != 3 || len(b.Shape) != 3 || len(dst.Shape) != 3 {
		return fmt.Errorf("tensor: BatchedMatMul requires 3-D operands")
	}
	batch := a.Shape[0]
	for i := int64(0); i < batch; i++ {
		ai, err := a.Slice(i, i+1)
		if err != nil {
			return err
		}
		bi, err := b.Slice(i, i+1)
		if err != nil {
			return err
		}
		di, err := dst.Slice(i, i+1)
		if err != nil {
			return err
		}
		ai2, _ := ai.Reshape(ai.Shape[1:])
		bi2, _ := bi.Reshape(bi.Shape[1:])
		di2, _ := di.Reshape(di.Shape[1:])
		if err := c.MatMul(di2, ai2, bi2); err != nil {
			return err
		}
	}
	return nil
}

// Softmax computes a numerically stable softmax over the last dimension.
func (CPUBackend) Softmax(dst, src *Tensor) error {
	if err := requireSameDevice(dst, src); err != nil {
		return err
	}
	v := f32View(src)
	last := src.Shape[len(src.Shape)-1]
	rows := src.NumElements() / last
	out := make([]float32, len(v))
	for r := int64(0); r < rows; r++ {
		row := v[r*last : (r+1)*last]
		max64 := -math.MaxFloat32
		for _, x := range row {
			if float64(x) > max64 {
				max64 = float64(x)
			}
		}
		sum := 0.0
		tmp := make([]float64, last)
		for i, x := range row {
			e := math.Exp(float64(x) - max64)
			tmp[i] = e
			sum += e
		}
		floats.Scale(1/sum, tmp)
		for i, x := range tmp {
			out[r*last+int64(i)] = float32(x)
		}
	}
	writeF32(dst, out)
	return nil
}

// RMSNorm implements root-mean-square layer normalization (used by
// Llama/Mistral/Qwen/Gemma-family blocks, spec §4.4).
func (CPUBackend) RMSNorm(dst, src, weight *Tensor, eps float32) error {
	if err := requireSameDevice(dst, src, weight); err != nil {
		return err
	}
	v := f32View(src)
	w := f32View(weight)
	last := src.Shape[len(src.Shape)-1]
	rows := src.NumElements() / last
	out := make([]float32, len(v))
	for r := int64(0); r < rows; r++ {
		row := v[r*last : (r+1)*last]
		var ss float64
		for _, x := range row {
			ss += float64(x) * float64(x)
		}
		rms := math.Sqrt(ss/float64(last) + float64(eps))
		for i, x := range row {
			out[r*last+int64(i)] = float32(float64(x)/rms) * w[i]
		}
	}
	writeF32(dst, out)
	return nil
}

// ReadF32 returns a tensor's contents as a float32 slice, regardless of its
// nominal backing layout. Exported for quantization kernels outside this
// package that need raw access to activation/weight data.
func ReadF32(t *Tensor) []float32 { return f32View(t) }

// WriteF32 writes vals into t's backing storage as packed float32 bytes.
func WriteF32(t *Tensor, vals []float32) { writeF32(t, vals) }

// Add performs element-wise addition, broadcasting b over a's leading dims
// when b has fewer elements per row (residual-add use case, spec §4.4).
func Add(dst, a, b *Tensor) error {
	av, bv := f32View(a), f32View(b)
	out := make([]float32, len(av))
	if len(bv) == len(av) {
		for i := range av {
			out[i] = av[i] + bv[i]
		}
	} else if len(bv) > 0 && len(av)%len(bv) == 0 {
		for i := range av {
			out[i] = av[i] + bv[i%len(bv)]
		}
	} else {
		return fmt.Errorf("tensor: Add shape mismatch: %d vs %d elements", len(av), len(bv))
	}
	writeF32(dst, out)
	return nil
}

// Gather selects rows of src at the given integer indices (embedding
// lookup use case, spec §4.4).
func Gather(dst, src *Tensor, indices []int64) error {
	last := src.Shape[len(src.Shape)-1]
	sv := f32View(src)
	out := make([]float32, int64(len(indices))*last)
	for i, idx := range indices {
		copy(out[int64(i)*last:(int64(i)+1)*last], sv[idx*last:(idx+1)*last])
	}
	writeF32(dst, out)
	return nil
}

// Scatter writes rows of src into dst at the given integer indices, the
// inverse of Gather, used by MoE expert-output combination (spec §4.4).
func Scatter(dst *Tensor, indices []int64, src *Tensor) error {
	last := dst.Shape[len(dst.Shape)-1]
	sv := f32View(src)
	dv := f32View(dst)
	for i, idx := range indices {
		copy(dv[idx*last:(idx+1)*last], sv[int64(i)*last:(int64(i)+1)*last])
	}
	writeF32(dst, dv)
	return nil
}
