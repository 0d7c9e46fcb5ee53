package model

import (
	"math"

	"github.com/localmind/localmind/internal/tensor"
)

// routeAndCombine implements the Mixtral/DeepSeek-style sparse MoE MLP:
// a dense gating projection picks the top-k experts per token, their
// outputs are combined with softmax-renormalized gate weights (spec
// §4.4 MoE routing). A load-balancing auxiliary term is tracked on g for
// observability but never backpropagated — this is an inference-only
// engine, the term exists so a served model's routing skew is visible,
// not to train against it.
func routeAndCombine(g *generic, l LayerWeights, normed *tensor.Tensor) (*tensor.Tensor, error) {
	logits, err := cpuMatMulTransposeB(normed, l.Router)
	if err != nil {
		return nil, err
	}
	seqLen := normed.Shape[0]
	hidden := normed.Shape[len(normed.Shape)-1]
	numExperts := int(g.cfg.NumExperts)
	k := int(g.cfg.NumExpertsPerTok)
	if k <= 0 {
		k = 1
	}
	logitsV := tensor.ReadF32(logits)

	if g.expertCounts == nil {
		g.expertCounts = make([]int64, numExperts)
	}

	out := make([]float32, seqLen*hidden)
	for row := int64(0); row < seqLen; row++ {
		scores := append([]float32{}, logitsV[row*int64(numExperts):(row+1)*int64(numExperts)]...)
		softmaxInPlace(scores)
		top := topKIndices(scores, k)

		var probSum float32
		for _, idx := range top {
			probSum += scores[idx]
		}

		tokenIn, err := normed.Slice(row, row+1)
		if err != nil {
			return nil, err
		}
		for _, idx := range top {
			g.expertCounts[idx]++
			weight := scores[idx]
			if probSum > 0 {
				weight /= probSum
			}
			expert := l.Experts[idx]
			gateOut, err := expert.Gate.MatMul(tokenIn)
			if err != nil {
				return nil, err
			}
			upOut, err := expert.Up.MatMul(tokenIn)
			if err != nil {
				return nil, err
			}
			silu(gateOut)
			gv, uv := tensor.ReadF32(gateOut), tensor.ReadF32(upOut)
			gated := make([]float32, len(gv))
			for i := range gv {
				gated[i] = gv[i] * uv[i]
			}
			gatedT, err := allocSame(gateOut)
			if err != nil {
				return nil, err
			}
			tensor.WriteF32(gatedT, gated)
			downOut, err := expert.Down.MatMul(gatedT)
			if err != nil {
				return nil, err
			}
			dv := tensor.ReadF32(downOut)
			for i, v := range dv {
				out[row*hidden+int64(i)] += v * weight
			}
		}
	}

	result, err := allocSame(normed)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(result, out)
	return result, nil
}

func softmaxInPlace(scores []float32) {
	max := float32(-math.MaxFloat32)
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	var sum float32
	for i, s := range scores {
		e := float32(math.Exp(float64(s - max)))
		scores[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range scores {
		scores[i] /= sum
	}
}

// loadBalanceCV returns the coefficient of variation of expert activation
// counts: 0 means perfectly even routing, higher means skewed towards a
// subset of experts.
func loadBalanceCV(counts []int64) float64 {
	if len(counts) == 0 {
		return 0
	}
	var sum int64
	for _, c := range counts {
		sum += c
	}
	if sum == 0 {
		return 0
	}
	mean := float64(sum) / float64(len(counts))
	var variance float64
	for _, c := range counts {
		d := float64(c) - mean
		variance += d * d
	}
	variance /= float64(len(counts))
	return math.Sqrt(variance) / mean
}
