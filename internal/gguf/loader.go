package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/localmind/localmind/internal/attention"
	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/model"
	"github.com/localmind/localmind/internal/quant"
	"github.com/localmind/localmind/internal/tensor"
)

// archNames maps GGUF's general.architecture metadata string onto this
// build's ArchID set. Everything llama.cpp calls an architecture that
// this system doesn't implement a Block function for is rejected at
// load time, not silently coerced.
var archNames = map[string]model.ArchID{
	"llama":      model.ArchLlama,
	"mistral":    model.ArchLlama,
	"qwen2":      model.ArchQwen2,
	"phi3":       model.ArchPhi3,
	"gemma2":     model.ArchGemma2,
	"mixtral":    model.ArchMixtral,
	"deepseek2":  model.ArchDeepSeek2,
}

// Load reads a GGUF checkpoint from path and builds a ready-to-run
// model.Model: metadata maps onto model.Config following llama.cpp's
// "{arch}.*" key convention, and each blk.N.* tensor is wrapped in its
// native quant.QuantMethod without ever being fully dequantized (spec
// §4.1, §4.2).
func Load(path string, alloc *tensor.Allocator) (model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gguf: open %s: %w", path, err)
	}
	defer f.Close()

	gf, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("gguf: parse %s: %w", path, err)
	}

	archStr, ok := gf.String("general.architecture")
	if !ok {
		return nil, errs.New(errs.KindConfig, "gguf: missing general.architecture")
	}
	archID, ok := archNames[archStr]
	if !ok {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("gguf: unsupported architecture %q", archStr))
	}

	cfg := configFromMetadata(gf, archStr)
	weights, err := weightsFromTensors(gf, cfg, alloc)
	if err != nil {
		return nil, fmt.Errorf("gguf: %s: %w", path, err)
	}
	return model.New(archID, cfg, weights)
}

func configFromMetadata(gf *File, prefix string) model.Config {
	cfg := model.Config{
		NormEps:          1e-5,
		RopeTheta:        10000,
		RopeKind:         model.RopeStandard,
		AttentionBackend: attention.KindPaged,
	}
	key := func(suffix string) string { return prefix + "." + suffix }

	if v, ok := gf.Uint32(key("block_count")); ok {
		cfg.NumLayers = int(v)
	}
	if v, ok := gf.Uint32(key("embedding_length")); ok {
		cfg.HiddenDim = int64(v)
	}
	if v, ok := gf.Uint32(key("attention.head_count")); ok {
		cfg.NumHeads = int64(v)
	}
	if v, ok := gf.Uint32(key("attention.head_count_kv")); ok {
		cfg.NumKVHeads = int64(v)
	} else {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if cfg.NumHeads > 0 {
		cfg.HeadDim = cfg.HiddenDim / cfg.NumHeads
	}
	if v, ok := gf.Uint32(key("feed_forward_length")); ok {
		cfg.IntermediateDim = int64(v)
	}
	if v, ok := gf.Uint32("tokenizer.ggml.vocab_size"); ok {
		cfg.VocabSize = int64(v)
	} else if v, ok := gf.Uint32(key("vocab_size")); ok {
		cfg.VocabSize = int64(v)
	}
	if v, ok := gf.Uint32(key("context_length")); ok {
		cfg.ContextLength = int64(v)
	}
	if v, ok := gf.Float32(key("attention.layer_norm_rms_epsilon")); ok {
		cfg.NormEps = v
	}
	if v, ok := gf.Float32(key("rope.freq_base")); ok {
		cfg.RopeTheta = float64(v)
	}
	if v, ok := gf.Uint32(key("attention.sliding_window")); ok {
		cfg.SlidingWindow = int64(v)
	}
	if v, ok := gf.Bool(key("tie_word_embeddings")); ok {
		cfg.TiedEmbeddings = v
	}
	if v, ok := gf.Uint32(key("expert_count")); ok {
		cfg.NumExperts = int64(v)
	}
	if v, ok := gf.Uint32(key("expert_used_count")); ok {
		cfg.NumExpertsPerTok = int64(v)
	}
	// Gemma2 always applies per-head Q/K RMSNorm (spec §4.4); llama.cpp's
	// GGUF metadata carries no separate qk_norm flag for it, so this is
	// keyed off the architecture itself rather than a metadata lookup.
	cfg.QKNorm = prefix == "gemma2"
	return cfg
}

// weightsFromTensors resolves every blk.N.* / token_embd.weight /
// output_norm.weight / output.weight tensor from the file's flat tensor
// list into model.Weights, following llama.cpp's naming convention.
func weightsFromTensors(gf *File, cfg model.Config, alloc *tensor.Allocator) (*model.Weights, error) {
	byName := make(map[string]*TensorInfo, len(gf.Tensors))
	for i := range gf.Tensors {
		byName[gf.Tensors[i].Name] = &gf.Tensors[i]
	}

	w := &model.Weights{Layers: make([]model.LayerWeights, cfg.NumLayers)}

	var err error
	w.TokEmbedding, err = denseTensor(gf, byName, "token_embd.weight", alloc)
	if err != nil {
		return nil, err
	}
	w.FinalNorm, err = denseTensor(gf, byName, "output_norm.weight", alloc)
	if err != nil {
		return nil, err
	}
	if !cfg.TiedEmbeddings {
		w.LMHead, err = quantTensor(gf, byName, "output.weight", alloc)
		if err != nil {
			return nil, err
		}
	}

	for i := 0; i < cfg.NumLayers; i++ {
		l := &w.Layers[i]
		p := fmt.Sprintf("blk.%d.", i)
		if l.AttnNorm, err = denseTensor(gf, byName, p+"attn_norm.weight", alloc); err != nil {
			return nil, err
		}
		if l.Q, err = quantTensor(gf, byName, p+"attn_q.weight", alloc); err != nil {
			return nil, err
		}
		if l.K, err = quantTensor(gf, byName, p+"attn_k.weight", alloc); err != nil {
			return nil, err
		}
		if l.V, err = quantTensor(gf, byName, p+"attn_v.weight", alloc); err != nil {
			return nil, err
		}
		if l.O, err = quantTensor(gf, byName, p+"attn_output.weight", alloc); err != nil {
			return nil, err
		}
		if l.MLPNorm, err = denseTensor(gf, byName, p+"ffn_norm.weight", alloc); err != nil {
			return nil, err
		}
		l.PostAttnNorm, _ = denseTensor(gf, byName, p+"post_attention_norm.weight", alloc)
		l.PostMLPNorm, _ = denseTensor(gf, byName, p+"post_ffw_norm.weight", alloc)
		l.QNorm, _ = denseTensor(gf, byName, p+"attn_q_norm.weight", alloc)
		l.KNorm, _ = denseTensor(gf, byName, p+"attn_k_norm.weight", alloc)

		if cfg.NumExperts > 0 {
			if l.Router, err = denseTensor(gf, byName, p+"ffn_gate_inp.weight", alloc); err != nil {
				return nil, err
			}
			l.Experts = make([]model.ExpertWeights, cfg.NumExperts)
			for e := range l.Experts {
				if l.Experts[e].Gate, err = quantTensor(gf, byName, fmt.Sprintf("%sffn_gate.%d.weight", p, e), alloc); err != nil {
					return nil, err
				}
				if l.Experts[e].Up, err = quantTensor(gf, byName, fmt.Sprintf("%sffn_up.%d.weight", p, e), alloc); err != nil {
					return nil, err
				}
				if l.Experts[e].Down, err = quantTensor(gf, byName, fmt.Sprintf("%sffn_down.%d.weight", p, e), alloc); err != nil {
					return nil, err
				}
			}
			continue
		}
		if l.Gate, err = quantTensor(gf, byName, p+"ffn_gate.weight", alloc); err != nil {
			return nil, err
		}
		if l.Up, err = quantTensor(gf, byName, p+"ffn_up.weight", alloc); err != nil {
			return nil, err
		}
		if l.Down, err = quantTensor(gf, byName, p+"ffn_down.weight", alloc); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func tensorBytes(gf *File, ti *TensorInfo) ([]byte, error) {
	trait := ti.Type.Trait()
	if trait.TypeSize == 0 {
		return nil, errs.Unsupported(fmt.Sprintf("ggml_type_%d", ti.Type), "load")
	}
	nBlocks := ti.NumElements() / uint64(trait.BlockSize)
	size := nBlocks * uint64(trait.TypeSize)
	if ti.Offset+size > uint64(len(gf.Data)) {
		return nil, fmt.Errorf("tensor %s: offset %d+%d exceeds data segment (%d bytes)", ti.Name, ti.Offset, size, len(gf.Data))
	}
	return gf.Data[ti.Offset : ti.Offset+size], nil
}

// denseTensor materializes a non-quantized weight (norms, embeddings)
// directly into an F32 tensor.
func denseTensor(gf *File, byName map[string]*TensorInfo, name string, alloc *tensor.Allocator) (*tensor.Tensor, error) {
	ti, ok := byName[name]
	if !ok {
		return nil, nil
	}
	raw, err := tensorBytes(gf, ti)
	if err != nil {
		return nil, err
	}
	shape := ggufShape(ti)
	t, err := alloc.Alloc(shape, tensor.F32)
	if err != nil {
		return nil, err
	}
	vals, err := decodeDenseF32(ti.Type, raw)
	if err != nil {
		return nil, err
	}
	tensor.WriteF32(t, vals)
	return t, nil
}

// quantTensor wraps a (possibly block-quantized) 2D weight matrix in its
// native quant.QuantMethod, leaving it quantized in memory.
func quantTensor(gf *File, byName map[string]*TensorInfo, name string, alloc *tensor.Allocator) (quant.QuantMethod, error) {
	ti, ok := byName[name]
	if !ok {
		return nil, nil
	}
	raw, err := tensorBytes(gf, ti)
	if err != nil {
		return nil, err
	}
	scheme, err := ti.Type.scheme()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(ti.Dims) != 2 {
		return nil, fmt.Errorf("tensor %s: expected 2 dims, got %d", name, len(ti.Dims))
	}
	// GGUF stores dims fastest-varying first: Dims[0] is the input (k)
	// axis, Dims[1] the output (n) axis of an [n, k] weight.
	k, n := int64(ti.Dims[0]), int64(ti.Dims[1])
	trait := ti.Type.Trait()

	if scheme == quant.SchemeDense {
		vals, err := decodeDenseF32(ti.Type, raw)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, len(vals)*4)
		for i, v := range vals {
			bits := math.Float32bits(v)
			binary.LittleEndian.PutUint32(buf[i*4:], bits)
		}
		return quant.New(scheme, n, k, trait.BlockSize, buf, nil, nil, alloc)
	}
	return quant.New(scheme, n, k, trait.BlockSize, raw, nil, nil, alloc)
}

func ggufShape(ti *TensorInfo) []int64 {
	shape := make([]int64, len(ti.Dims))
	for i, d := range ti.Dims {
		shape[len(ti.Dims)-1-i] = int64(d) // GGUF is fastest-varying first, tensor.Shape is slowest-varying first
	}
	return shape
}

