package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/attention"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/quant"
	"github.com/localmind/localmind/internal/tensor"
)

func denseWeight(t *testing.T, alloc *tensor.Allocator, n, k int64) quant.QuantMethod {
	t.Helper()
	raw := make([]byte, n*k*4)
	qm, err := quant.New(quant.SchemeDense, n, k, 0, raw, nil, nil, alloc)
	require.NoError(t, err)
	return qm
}

func testConfig() Config {
	return Config{
		NumLayers:       2,
		HiddenDim:       8,
		NumHeads:        2,
		NumKVHeads:      2,
		HeadDim:         4,
		IntermediateDim: 16,
		VocabSize:       32,
		ContextLength:   64,
		NormEps:         1e-5,
		RopeTheta:       10000,
		RopeKind:        RopeStandard,
		TiedEmbeddings:  true,
		AttentionBackend: attention.KindNaive,
	}
}

func testWeights(t *testing.T, cfg Config) *Weights {
	t.Helper()
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	embed, err := alloc.Alloc([]int64{cfg.VocabSize, cfg.HiddenDim}, tensor.F32)
	require.NoError(t, err)
	tensor.WriteF32(embed, make([]float32, cfg.VocabSize*cfg.HiddenDim))

	finalNorm, err := alloc.Alloc([]int64{cfg.HiddenDim}, tensor.F32)
	require.NoError(t, err)
	onesV := make([]float32, cfg.HiddenDim)
	for i := range onesV {
		onesV[i] = 1
	}
	tensor.WriteF32(finalNorm, onesV)

	layers := make([]LayerWeights, cfg.NumLayers)
	for i := range layers {
		norm, _ := alloc.Alloc([]int64{cfg.HiddenDim}, tensor.F32)
		tensor.WriteF32(norm, onesV)
		mlpNorm, _ := alloc.Alloc([]int64{cfg.HiddenDim}, tensor.F32)
		tensor.WriteF32(mlpNorm, onesV)

		layers[i] = LayerWeights{
			AttnNorm: norm,
			Q:        denseWeight(t, alloc, cfg.NumHeads*cfg.HeadDim, cfg.HiddenDim),
			K:        denseWeight(t, alloc, cfg.NumKVHeads*cfg.HeadDim, cfg.HiddenDim),
			V:        denseWeight(t, alloc, cfg.NumKVHeads*cfg.HeadDim, cfg.HiddenDim),
			O:        denseWeight(t, alloc, cfg.HiddenDim, cfg.NumHeads*cfg.HeadDim),
			MLPNorm:  mlpNorm,
			Gate:     denseWeight(t, alloc, cfg.IntermediateDim, cfg.HiddenDim),
			Up:       denseWeight(t, alloc, cfg.IntermediateDim, cfg.HiddenDim),
			Down:     denseWeight(t, alloc, cfg.HiddenDim, cfg.IntermediateDim),
		}
	}
	return &Weights{TokEmbedding: embed, Layers: layers, FinalNorm: finalNorm}
}

func TestNewRejectsUnknownArchitecture(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	_, err := New(ArchID("made-up"), cfg, w)
	require.Error(t, err)
}

func TestForwardPrefillProducesLogitsForEveryPosition(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	m, err := New(ArchLlama, cfg, w)
	require.NoError(t, err)

	result, err := m.Forward(ForwardRequest{
		Tokens:    []int64{1, 2, 3},
		Positions: []int64{0, 1, 2},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, cfg.VocabSize}, result.Logits.Shape)
}

func TestForwardRejectsDecodeWithoutPageTable(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	m, err := New(ArchMistral, cfg, w)
	require.NoError(t, err)

	_, err = m.Forward(ForwardRequest{
		Tokens:    []int64{5},
		Positions: []int64{3},
		Decode:    true,
	})
	require.Error(t, err)
}

func TestForwardDecodeAppendsNewTokenIntoPageTable(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	m, err := New(ArchLlama, cfg, w)
	require.NoError(t, err)

	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	pool, err := kv.NewPagePool(cfg.NumLayers, 4, 4, cfg.NumKVHeads, cfg.HeadDim, tensor.F32, tensor.Device{Kind: tensor.Cpu}, alloc)
	require.NoError(t, err)

	pages, err := pool.Allocate([]int64{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, int64(3), pages.TotalValidLen(0))

	result, err := m.Forward(ForwardRequest{
		Tokens:      []int64{4},
		Positions:   []int64{3},
		Pages:       pages,
		Pool:        pool,
		Decode:      true,
		FullHistory: []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, cfg.VocabSize}, result.Logits.Shape)
	require.Equal(t, int64(4), pages.TotalValidLen(0))
}

func TestNewWithAdapterRejectsXLoraOnDeepSeekV2(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	adapter := &Adapter{Kind: AdapterXLoRA}
	_, err := NewWithAdapter(ArchDeepSeek2, cfg, w, adapter)
	require.Error(t, err)
}

func TestNewRejectsQKNormConfigWithoutNormWeights(t *testing.T) {
	cfg := testConfig()
	cfg.QKNorm = true
	w := testWeights(t, cfg)
	_, err := New(ArchGemma2, cfg, w)
	require.Error(t, err)
}

func TestForwardAppliesQKNormWithoutError(t *testing.T) {
	cfg := testConfig()
	cfg.QKNorm = true
	w := testWeights(t, cfg)
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	onesV := make([]float32, cfg.HeadDim)
	for i := range onesV {
		onesV[i] = 1
	}
	for i := range w.Layers {
		qNorm, err := alloc.Alloc([]int64{cfg.HeadDim}, tensor.F32)
		require.NoError(t, err)
		tensor.WriteF32(qNorm, onesV)
		kNorm, err := alloc.Alloc([]int64{cfg.HeadDim}, tensor.F32)
		require.NoError(t, err)
		tensor.WriteF32(kNorm, onesV)
		w.Layers[i].QNorm = qNorm
		w.Layers[i].KNorm = kNorm
	}

	m, err := New(ArchGemma2, cfg, w)
	require.NoError(t, err)

	result, err := m.Forward(ForwardRequest{
		Tokens:    []int64{1, 2, 3},
		Positions: []int64{0, 1, 2},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, cfg.VocabSize}, result.Logits.Shape)
}

func TestAlibiSlopesMonotonicallyDecreasing(t *testing.T) {
	slopes := alibiSlopes(8)
	require.Len(t, slopes, 8)
	for i := 1; i < len(slopes); i++ {
		require.Less(t, slopes[i], slopes[i-1])
	}
}
