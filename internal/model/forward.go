package model

import (
	"github.com/sirupsen/logrus"

	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

// ForwardRequest is one forward pass: the full prompt on prefill, or a
// single freshly-sampled token on decode, against an existing page table.
type ForwardRequest struct {
	Tokens    []int64
	Positions []int64
	Pages     *kv.PageTable
	Pool      *kv.PagePool
	Decode    bool
	// FullHistory is the complete token sequence including Tokens[0], used
	// only to hash a page's content once Pool.Append fills it (spec §4.5
	// prefix sharing); ignored on prefill, where Allocate hashes pages
	// itself.
	FullHistory []int64
}

// ForwardResult carries the logits for the processed positions plus
// observability-only auxiliary signals.
type ForwardResult struct {
	Logits         *tensor.Tensor // [len(Tokens), vocabSize]
	MoELoadBalance float64        // coefficient of variation of expert activation, 0 for dense archs
}

func (g *generic) Forward(req ForwardRequest) (*ForwardResult, error) {
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	embedded, err := alloc.Alloc([]int64{int64(len(req.Tokens)), g.cfg.HiddenDim}, tensor.F32)
	if err != nil {
		return nil, err
	}
	if err := tensor.Gather(embedded, g.weights.TokEmbedding, req.Tokens); err != nil {
		return nil, err
	}

	if req.Decode {
		if req.Pages == nil || req.Pool == nil {
			return nil, errs.New(errs.KindInternal, "decode forward requires a page table and pool")
		}
		if len(req.Tokens) != 1 {
			return nil, errs.New(errs.KindInternal, "decode forward processes exactly one token per step")
		}
		if err := req.Pool.Append(req.Pages, req.Tokens[0], req.FullHistory); err != nil {
			return nil, errs.Wrap(errs.KindCapacityExceeded, "append decode token to page table", err)
		}
	}

	normed, err := g.runBlocksAndNorm(embedded, req.Pages, req.Pool, req.Positions, req.Decode)
	if err != nil {
		return nil, err
	}

	var logits *tensor.Tensor
	if g.cfg.TiedEmbeddings {
		logits, err = cpuMatMulTransposeB(normed, g.weights.TokEmbedding)
	} else {
		logits, err = g.weights.LMHead.MatMul(normed)
	}
	if err != nil {
		return nil, err
	}

	g.vocabGuard(logits)

	result := &ForwardResult{Logits: logits}
	if g.cfg.NumExperts > 0 {
		result.MoELoadBalance = loadBalanceCV(g.expertCounts)
	}
	return result, nil
}

// runBlocksAndNorm runs every transformer block then the final RMSNorm,
// the shared tail of Forward (logits follow) and Embed (mean-pool
// follows instead).
func (g *generic) runBlocksAndNorm(embedded *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, positions []int64, decode bool) (*tensor.Tensor, error) {
	x := embedded
	var err error
	for layer := 0; layer < g.cfg.NumLayers; layer++ {
		x, err = g.blockFn(g, layer, x, pages, pool, positions, decode)
		if err != nil {
			return nil, err
		}
	}
	normed, err := allocSame(x)
	if err != nil {
		return nil, err
	}
	if err := cpu.RMSNorm(normed, x, g.weights.FinalNorm, g.cfg.NormEps); err != nil {
		return nil, err
	}
	return normed, nil
}

// Embed runs a standalone, non-cached forward pass over tokens and
// mean-pools the final hidden state into one vector of width HiddenDim,
// the embedding endpoint's only consumer of the block stack (spec §4.8
// /v1/embeddings). It allocates its own single-request KV pool sized
// exactly for len(tokens) and releases it before returning.
func (g *generic) Embed(tokens []int64) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, errs.New(errs.KindInternal, "embed requires at least one token")
	}
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	embedded, err := alloc.Alloc([]int64{int64(len(tokens)), g.cfg.HiddenDim}, tensor.F32)
	if err != nil {
		return nil, err
	}
	if err := tensor.Gather(embedded, g.weights.TokEmbedding, tokens); err != nil {
		return nil, err
	}

	// One page per layer sized to fit the whole prompt: Embed never
	// appends past its initial Allocate, so there is no decode growth to
	// plan for.
	pageSizeTokens := int64(len(tokens))
	pool, err := kv.NewPagePool(g.cfg.NumLayers, 1, pageSizeTokens, g.cfg.NumKVHeads, g.cfg.HeadDim, tensor.F32, tensor.Device{Kind: tensor.Cpu}, alloc)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "embed: allocate scratch KV pool", err)
	}
	pages, err := pool.Allocate(tokens)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "embed: allocate scratch page table", err)
	}
	defer pool.Release(pages)

	positions := make([]int64, len(tokens))
	for i := range positions {
		positions[i] = int64(i)
	}

	normed, err := g.runBlocksAndNorm(embedded, pages, pool, positions, false)
	if err != nil {
		return nil, err
	}

	hidden := g.cfg.HiddenDim
	vals := tensor.ReadF32(normed)
	out := make([]float32, hidden)
	for i := int64(0); i < int64(len(tokens)); i++ {
		for h := int64(0); h < hidden; h++ {
			out[h] += vals[i*hidden+h]
		}
	}
	n := float32(len(tokens))
	for h := range out {
		out[h] /= n
	}
	return out, nil
}

// vocabGuard preserves the Llama 3.2 tied-embedding guard: when the
// configured vocab size exceeds the LM head's actual output width (the
// padded embedding table used at train time was trimmed for export), do
// not silently clamp the logit index — warn loudly so a wrong-looking
// completion is traceable, and leave the mismatch for the caller to see.
//
// TODO(vocab-mismatch): upstream Llama 3.2 exports still disagree on the
// padded vs. logical vocab size depending on conversion tool; once that's
// settled upstream this guard can be deleted.
func (g *generic) vocabGuard(logits *tensor.Tensor) {
	actual := logits.Shape[len(logits.Shape)-1]
	if g.arch == ArchLlama && g.cfg.VocabSize > actual {
		logrus.WithFields(logrus.Fields{
			"configured_vocab": g.cfg.VocabSize,
			"actual_vocab":     actual,
		}).Warn("llama3.2 logit/vocab length guard triggered")
	}
}

// cpuMatMulTransposeB computes a @ bᵀ for a dense b stored [out, hidden]:
// the [vocab, hidden] embedding table reused as the output projection
// (spec §4.4 tied embeddings) and the [numExperts, hidden] MoE router.
func cpuMatMulTransposeB(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	vocab, hidden := b.Shape[0], b.Shape[1]
	bv := tensor.ReadF32(b)
	transposed, err := tensor.NewAllocator(b.Device, 0).Alloc([]int64{hidden, vocab}, tensor.F32)
	if err != nil {
		return nil, err
	}
	tv := make([]float32, hidden*vocab)
	for v := int64(0); v < vocab; v++ {
		for h := int64(0); h < hidden; h++ {
			tv[h*vocab+v] = bv[v*hidden+h]
		}
	}
	tensor.WriteF32(transposed, tv)
	return cpuMatMul(a, transposed)
}
