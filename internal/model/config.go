// Package model implements the per-architecture forward pass of spec §4.4:
// a tagged ModelArch variant plus a capability trait for Forward, built
// from the C2 (quant) + C3 (attention) primitives, generalizing the
// teacher's registry-by-name pattern (NewScheduler/NewAdmissionPolicy/
// NewPriorityPolicy in sim/scheduler.go, sim/admission.go, sim/priority.go)
// to model architectures.
package model

import (
	"github.com/localmind/localmind/internal/attention"
)

// RopeKind selects among the RoPE variants named in spec §4.4.
type RopeKind string

const (
	RopeStandard RopeKind = "standard"
	RopeLinear   RopeKind = "linear_scaled"
	RopeNTK      RopeKind = "ntk_scaled"
	RopeYaRN     RopeKind = "yarn"
)

// Config carries hidden size, head counts (with a separate KV head count
// for GQA/MQA), vocab size, rope parameters, context length, and layer
// norm epsilon (spec §3 Model.config), following the teacher's
// flat-struct-with-json-tags convention (sim/model_config.go's
// ModelConfig) generalized from the simulator's cost-estimation fields to
// the real forward-pass shape parameters this system needs.
type Config struct {
	NumLayers       int      `json:"num_hidden_layers" yaml:"num_hidden_layers"`
	HiddenDim       int64    `json:"hidden_size" yaml:"hidden_size"`
	NumHeads        int64    `json:"num_attention_heads" yaml:"num_attention_heads"`
	NumKVHeads      int64    `json:"num_key_value_heads" yaml:"num_key_value_heads"`
	HeadDim         int64    `json:"head_dim" yaml:"head_dim"`
	IntermediateDim int64    `json:"intermediate_size" yaml:"intermediate_size"`
	VocabSize       int64    `json:"vocab_size" yaml:"vocab_size"`
	ContextLength   int64    `json:"max_position_embeddings" yaml:"max_position_embeddings"`
	NormEps         float32  `json:"rms_norm_eps" yaml:"rms_norm_eps"`
	RopeTheta       float64  `json:"rope_theta" yaml:"rope_theta"`
	RopeKind        RopeKind `json:"rope_scaling_type" yaml:"rope_scaling_type"`
	RopeFactor      float64  `json:"rope_scaling_factor" yaml:"rope_scaling_factor"`
	TiedEmbeddings  bool     `json:"tie_word_embeddings" yaml:"tie_word_embeddings"`
	SlidingWindow   int64    `json:"sliding_window" yaml:"sliding_window"` // 0 = disabled
	QKNorm          bool     `json:"qk_norm" yaml:"qk_norm"`               // Gemma2
	ParallelResidual bool    `json:"parallel_residual" yaml:"parallel_residual"` // Phi
	NumExperts      int64    `json:"num_local_experts" yaml:"num_local_experts"`       // MoE, 0 = dense
	NumExpertsPerTok int64   `json:"num_experts_per_tok" yaml:"num_experts_per_tok"`
	AttentionBackend attention.Kind `json:"attention_backend" yaml:"attention_backend"`
	UseAlibi        bool     `json:"use_alibi" yaml:"use_alibi"` // ALiBi positional bias instead of RoPE
}
