package tensor

import "math"

// ApplyRoPE rotates element i of the last dimension of x with element
// i+headDim/2 (split-half pairs, not adjacent ones), in place, using
// precomputed cos/sin tables, one value per (position, pair) — the
// primitive RoPE variants in internal/model build on (spec §4.1, §4.4).
func ApplyRoPE(x *Tensor, positions []int64, cosTab, sinTab [][]float32) error {
	headDim := x.Shape[len(x.Shape)-1]
	half := headDim / 2
	v := f32View(x)
	rows := x.NumElements() / headDim
	for r := int64(0); r < rows; r++ {
		pos := positions[r%int64(len(positions))]
		cos := cosTab[pos]
		sin := sinTab[pos]
		base := r * headDim
		for i := int64(0); i < half; i++ {
			x0 := v[base+i]
			x1 := v[base+i+half]
			c, s := cos[i], sin[i]
			v[base+i] = x0*c - x1*s
			v[base+i+half] = x0*s + x1*c
		}
	}
	writeF32(x, v)
	return nil
}

// RopeFreqs computes the standard inverse-frequency table for headDim,
// theta (rope base), scaled by factor (1.0 for unscaled RoPE).
func RopeFreqs(headDim int, theta float64, factor float64) []float64 {
	half := headDim / 2
	freqs := make([]float64, half)
	for i := 0; i < half; i++ {
		freqs[i] = 1.0 / (math.Pow(theta, float64(2*i)/float64(headDim)) * factor)
	}
	return freqs
}
