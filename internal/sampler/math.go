package sampler

import "math"

func expf32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}
