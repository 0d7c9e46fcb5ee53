package model

import (
	"fmt"

	"github.com/localmind/localmind/internal/quant"
	"github.com/localmind/localmind/internal/tensor"
)

// LayerWeights holds one transformer block's parameters. Not every field
// is populated for every architecture: Router/Experts are MoE-only,
// PostAttnNorm/PostMLPNorm are Gemma2's extra sandwich norms, QNorm/KNorm
// are Gemma2's per-head Q/K RMSNorm weights (cfg.QKNorm only), Gate/Up/Down
// are nil on MoE layers (the expert matrices live in Experts instead).
type LayerWeights struct {
	AttnNorm     *tensor.Tensor
	Q, K, V, O   quant.QuantMethod
	MLPNorm      *tensor.Tensor
	Gate, Up, Down quant.QuantMethod
	Router       *tensor.Tensor // dense [numExperts, hidden] gate, MoE only
	Experts      []ExpertWeights
	PostAttnNorm *tensor.Tensor
	PostMLPNorm  *tensor.Tensor
	QNorm, KNorm *tensor.Tensor // [headDim] each, cfg.QKNorm only
}

// ExpertWeights is one MoE expert's MLP (spec §4.4 MoE routing).
type ExpertWeights struct {
	Gate, Up, Down quant.QuantMethod
}

// Weights is the full parameter set New/NewWithAdapter consumes; it is
// populated by the loader (internal/gguf) from on-disk tensors, each
// still wrapped in its native quant.QuantMethod rather than dequantized
// up front (spec §4.2: weights stay quantized in memory).
type Weights struct {
	TokEmbedding *tensor.Tensor // dense [vocab, hidden], embeddings are never quantized in this build
	Layers       []LayerWeights
	FinalNorm    *tensor.Tensor
	LMHead       quant.QuantMethod // nil when cfg.TiedEmbeddings
	Adapter      *Adapter
}

// validate checks the shape invariants Forward relies on, so a
// malformed weight set fails at load time (New returns an error) rather than
// mid-request.
func (w *Weights) validate(cfg Config) error {
	if w.TokEmbedding == nil {
		return fmt.Errorf("missing token embedding")
	}
	if len(w.Layers) != cfg.NumLayers {
		return fmt.Errorf("have %d layers, config wants %d", len(w.Layers), cfg.NumLayers)
	}
	if !cfg.TiedEmbeddings && w.LMHead == nil {
		return fmt.Errorf("untied embeddings require an explicit LM head")
	}
	for i, l := range w.Layers {
		if l.AttnNorm == nil || l.Q == nil || l.K == nil || l.V == nil || l.O == nil {
			return fmt.Errorf("layer %d: missing attention weights", i)
		}
		if cfg.QKNorm && (l.QNorm == nil || l.KNorm == nil) {
			return fmt.Errorf("layer %d: qk_norm set but q_norm/k_norm weights missing", i)
		}
		if cfg.NumExperts > 0 {
			if len(l.Experts) == 0 || l.Router == nil {
				return fmt.Errorf("layer %d: MoE config but no experts/router", i)
			}
		} else if l.Gate == nil || l.Up == nil || l.Down == nil {
			return fmt.Errorf("layer %d: missing dense MLP weights", i)
		}
	}
	return nil
}
