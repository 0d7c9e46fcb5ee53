package model

import "math"

// alibiSlopes computes the standard geometric slope sequence for ALiBi
// (Press et al.): slope_h = 2^(-8/n * (h+1)) for a power-of-two head count,
// extended to non-power-of-two counts by interleaving the slopes of the
// next power of two, exactly as the reference implementation does (spec
// §4.4 ALiBi variant, an alternative to RoPE for positional information).
func alibiSlopes(numHeads int64) []float32 {
	n := int(numHeads)
	closestPow2 := 1
	for closestPow2*2 <= n {
		closestPow2 *= 2
	}
	base := math.Pow(2, -8.0/float64(closestPow2))
	slopes := make([]float32, 0, n)
	for i := 1; i <= closestPow2; i++ {
		slopes = append(slopes, float32(math.Pow(base, float64(i))))
	}
	if closestPow2 < n {
		extraBase := math.Pow(2, -4.0/float64(closestPow2))
		for i := 1; i <= 2*(n-closestPow2); i += 2 {
			slopes = append(slopes, float32(math.Pow(extraBase, float64(i))))
		}
	}
	return slopes[:n]
}
