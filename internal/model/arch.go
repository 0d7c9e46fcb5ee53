package model

import (
	"fmt"

	"github.com/localmind/localmind/internal/attention"
	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

// ArchID names a supported model architecture family.
type ArchID string

const (
	ArchLlama     ArchID = "llama"
	ArchMistral   ArchID = "mistral"
	ArchQwen2     ArchID = "qwen2"
	ArchPhi3      ArchID = "phi3"
	ArchGemma2    ArchID = "gemma2"
	ArchMixtral   ArchID = "mixtral"
	ArchDeepSeek2 ArchID = "deepseek_v2"
)

func isValidArch(id ArchID) bool {
	switch id {
	case ArchLlama, ArchMistral, ArchQwen2, ArchPhi3, ArchGemma2, ArchMixtral, ArchDeepSeek2:
		return true
	default:
		return false
	}
}

// Model is the capability every architecture exposes: a single forward
// pass over a batch of sequences, either prefilling fresh tokens or
// decoding one new token per sequence against cached K/V (spec §4.4).
type Model interface {
	Forward(req ForwardRequest) (*ForwardResult, error)
	// Embed runs the same block stack as Forward but stops before the LM
	// head, mean-pooling the final hidden state into one fixed-width
	// vector (spec §4.8 /v1/embeddings). It never touches the engine's KV
	// pool: the whole prompt is processed in one pass against a scratch
	// page table that is released before returning.
	Embed(tokens []int64) ([]float32, error)
	Config() Config
	Arch() ArchID
}

// generic composes the shape parameters every supported family shares —
// embedding, N blocks, final norm, LM head — with a per-family Block
// function supplying the one axis that actually varies (spec §4.4: "each
// supported architecture is a straight-line composition ... variants
// handled explicitly, one function each").
type generic struct {
	arch         ArchID
	cfg          Config
	weights      *Weights
	backends     map[attention.Kind]attention.Backend
	blockFn      func(g *generic, layer int, x *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, positions []int64, decode bool) (*tensor.Tensor, error)
	expertCounts []int64 // MoE load-balancing observability, see moe.go
}

func (g *generic) Config() Config { return g.cfg }
func (g *generic) Arch() ArchID   { return g.arch }

// New constructs a Model for archID, generalizing the teacher's
// registry-by-name pattern (NewScheduler, NewAdmissionPolicy,
// NewPriorityPolicy in sim/scheduler.go, sim/admission.go, sim/priority.go)
// from simulator policy names to model architectures. Unlike those
// registries this New returns an error rather than panicking on an
// unrecognized name: architecture selection here is driven by on-disk
// model metadata (internal/gguf), not a fixed CLI flag set, so an unknown
// value is an ordinary load-time failure, not a build misconfiguration.
func New(archID ArchID, cfg Config, w *Weights) (Model, error) {
	if !isValidArch(archID) {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("unknown model architecture %q", archID))
	}
	if err := w.validate(cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, fmt.Sprintf("invalid weights for architecture %q", archID), err)
	}
	g := &generic{arch: archID, cfg: cfg, weights: w, backends: attention.DefaultBackends()}
	switch archID {
	case ArchLlama, ArchMistral, ArchQwen2:
		g.blockFn = swigluBlock
	case ArchGemma2:
		g.blockFn = gemmaBlock
	case ArchPhi3:
		g.blockFn = parallelResidualBlock
	case ArchMixtral, ArchDeepSeek2:
		g.blockFn = moeBlock
	default:
		return nil, errs.New(errs.KindInternal, fmt.Sprintf("unhandled architecture %q", archID))
	}
	return g, nil
}

// NewWithAdapter is New plus an adapter attach step; it exists separately
// because adapter compatibility is itself an architecture-level decision
// (spec §4.4, §9 Open Question: X-LoRA is rejected on DeepSeek v2/v3)
// checked once at load time, never per forward call.
func NewWithAdapter(archID ArchID, cfg Config, w *Weights, adapter *Adapter) (Model, error) {
	if adapter != nil {
		if err := checkAdapterCompat(archID, adapter); err != nil {
			return nil, err
		}
		w.Adapter = adapter
	}
	return New(archID, cfg, w)
}
