package attention

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

func makeQKV(t *testing.T, seqLen, heads, headDim int64) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	a := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	q, err := a.Alloc([]int64{seqLen, heads, headDim}, tensor.F32)
	require.NoError(t, err)
	k, err := a.Alloc([]int64{seqLen, heads, headDim}, tensor.F32)
	require.NoError(t, err)
	v, err := a.Alloc([]int64{seqLen, heads, headDim}, tensor.F32)
	require.NoError(t, err)
	n := seqLen * heads * headDim
	qvals := make([]float32, n)
	kvals := make([]float32, n)
	vvals := make([]float32, n)
	for i := range qvals {
		qvals[i] = float32(i%7) * 0.1
		kvals[i] = float32(i%5) * 0.1
		vvals[i] = float32(i % 3)
	}
	tensor.WriteF32(q, qvals)
	tensor.WriteF32(k, kvals)
	tensor.WriteF32(v, vvals)
	return q, k, v
}

func TestFlashMatchesNaiveUnderCausalMask(t *testing.T) {
	q, k, v := makeQKV(t, 6, 2, 4)
	mask := MaskSpec{Causal: true}

	naiveOut, err := Naive{}.Prefill(q, k, v, 2, 2, mask)
	require.NoError(t, err)
	flashOut, err := Flash{}.Prefill(q, k, v, 2, 2, mask)
	require.NoError(t, err)

	nv, fv := tensor.ReadF32(naiveOut), tensor.ReadF32(flashOut)
	require.Len(t, fv, len(nv))
	for i := range nv {
		require.InDelta(t, nv[i], fv[i], 1e-4)
	}
}

func TestSelectFallsBackToNaiveWhenUnsupported(t *testing.T) {
	backends := DefaultBackends()
	got := Select(Kind("nonexistent"), backends, tensor.Device{Kind: tensor.Cpu}, 64)
	require.Equal(t, KindNaive, got.Kind())
}

func TestAlibiBiasMasksFutureAndPenalizesDistance(t *testing.T) {
	require.Equal(t, float32(0), AlibiBias(0.5, 3, 3))
	require.InDelta(t, float32(-1), AlibiBias(0.5, 3, 1), 1e-6)
	require.True(t, AlibiBias(0.5, 3, 4) < float32(-1e30))
}

// buildPagedTokens allocates a fresh single-layer page pool sized for
// len(kPerToken) tokens and writes kPerToken[i]/vPerToken[i] into cached position i,
// returning the pool and table so Decode can read them back.
func buildPagedTokens(t *testing.T, pageSizeTokens, numKVHeads, headDim int64, kPerToken, vPerToken [][]float32) (*kv.PagePool, *kv.PageTable) {
	t.Helper()
	n := int64(len(kPerToken))
	device := tensor.Device{Kind: tensor.Cpu}
	alloc := tensor.NewAllocator(device, 0)
	totalPages := int((n+pageSizeTokens-1)/pageSizeTokens) + 1
	pool, err := kv.NewPagePool(1, totalPages, pageSizeTokens, numKVHeads, headDim, tensor.F32, device, alloc)
	require.NoError(t, err)

	tokens := make([]int64, n)
	for i := range tokens {
		tokens[i] = int64(i) + 100 // arbitrary, distinct from any real vocab id used elsewhere in this test
	}
	pt, err := pool.Allocate(tokens)
	require.NoError(t, err)

	layerPool := pool.LayerPool(0)
	pos := int64(0)
	for _, entry := range pt.Layers[0] {
		pg := layerPool.Page(entry.PageID)
		kvals := tensor.ReadF32(pg.K)
		vvals := tensor.ReadF32(pg.V)
		for tkn := int64(0); tkn < entry.ValidLen; tkn++ {
			off := tkn * numKVHeads * headDim
			copy(kvals[off:off+headDim], kPerToken[pos])
			copy(vvals[off:off+headDim], vPerToken[pos])
			pos++
		}
		tensor.WriteF32(pg.K, kvals)
		tensor.WriteF32(pg.V, vvals)
	}
	return pool, pt
}

func TestPagedDecodeHonorsWindowSize(t *testing.T) {
	const pageSizeTokens, numKVHeads, headDim = 2, 1, 4
	kTok := [][]float32{
		{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}, {1, 1, 0, 0}, {0, 1, 1, 0},
	}
	vTok := [][]float32{
		{1, 0, 0, 0}, {2, 0, 0, 0}, {3, 0, 0, 0}, {4, 0, 0, 0}, {5, 0, 0, 0}, {6, 0, 0, 0},
	}

	fullPool, fullPT := buildPagedTokens(t, pageSizeTokens, numKVHeads, headDim, kTok, vTok)
	windowedPool, windowedPT := buildPagedTokens(t, pageSizeTokens, numKVHeads, headDim, kTok[2:], vTok[2:])

	a := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	q, err := a.Alloc([]int64{1, 1, headDim}, tensor.F32)
	require.NoError(t, err)
	tensor.WriteF32(q, []float32{0, 1, 0, 1})

	// windowSize=4 over the 6-token cache must attend only to the last 4
	// tokens (spec §4.4 sliding-window attention), matching a cache that
	// only ever held those 4 tokens in the first place.
	gotWindowed, err := Paged{}.Decode(q, fullPT, fullPool, 1, 1, 4)
	require.NoError(t, err)
	gotFromShortCache, err := Paged{}.Decode(q, windowedPT, windowedPool, 1, 1, 0)
	require.NoError(t, err)

	wv, sv := tensor.ReadF32(gotWindowed), tensor.ReadF32(gotFromShortCache)
	require.Len(t, wv, len(sv))
	for i := range wv {
		require.InDelta(t, sv[i], wv[i], 1e-5)
	}

	// windowSize=0 (unbounded) must differ from the windowed result here,
	// since the excluded early tokens (distinct K/V content) do influence
	// softmax weights over the full 6-token cache.
	gotUnbounded, err := Paged{}.Decode(q, fullPT, fullPool, 1, 1, 0)
	require.NoError(t, err)
	uv := tensor.ReadF32(gotUnbounded)
	var differs bool
	for i := range uv {
		if uv[i] != wv[i] {
			differs = true
			break
		}
	}
	require.True(t, differs, "unbounded decode should differ from windowed decode given distinct excluded tokens")
}

func TestKVHeadForGroupsQueryHeadsForGQA(t *testing.T) {
	require.Equal(t, int64(0), kvHeadFor(0, 8, 2))
	require.Equal(t, int64(0), kvHeadFor(3, 8, 2))
	require.Equal(t, int64(1), kvHeadFor(4, 8, 2))
	require.Equal(t, int64(1), kvHeadFor(7, 8, 2))
}
