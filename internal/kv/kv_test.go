package kv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/tensor"
)

func newTestPool(t *testing.T, totalPages int, pageSize int64) *PagePool {
	t.Helper()
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	pp, err := NewPagePool(2, totalPages, pageSize, 4, 8, tensor.F32, tensor.Device{Kind: tensor.Cpu}, alloc)
	require.NoError(t, err)
	return pp
}

func TestAllocateThenReleaseReturnsPagesToFreeList(t *testing.T) {
	pp := newTestPool(t, 8, 4)
	tokens := []int64{1, 2, 3, 4, 5, 6, 7, 8}

	pt, err := pp.Allocate(tokens)
	require.NoError(t, err)
	require.Equal(t, 6, pp.FreePages())
	// 8 tokens / page size 4 = 2 pages per layer.
	require.Len(t, pt.Layers[0], 2)
	require.Equal(t, int64(8), pt.TotalValidLen(0))

	pp.Release(pt)
	require.Equal(t, 8, pp.FreePages())
}

func TestPrefixSharingReusesCachedPages(t *testing.T) {
	pp := newTestPool(t, 8, 4)
	tokens := make([]int64, 8)
	for i := range tokens {
		tokens[i] = int64(i)
	}

	pt1, err := pp.Allocate(tokens)
	require.NoError(t, err)
	before := pp.FreePages()

	pt2, err := pp.Allocate(tokens)
	require.NoError(t, err)
	// Second allocation of the identical prompt should reuse all full
	// pages rather than allocate fresh ones (spec §8 prefix sharing).
	require.Equal(t, before, pp.FreePages())
	require.Equal(t, pt1.Layers[0][0].PageID, pt2.Layers[0][0].PageID)
}

func TestAppendAllocatesNewTailPageWhenFull(t *testing.T) {
	pp := newTestPool(t, 8, 4)
	pt, err := pp.Allocate([]int64{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, pt.Layers[0], 1)

	require.NoError(t, pp.Append(pt, 5, []int64{1, 2, 3, 4, 5}))
	require.Len(t, pt.Layers[0], 2)
	require.Equal(t, int64(1), pt.Layers[0][1].ValidLen)
}

func TestAllocateFailsWhenInsufficientFreePages(t *testing.T) {
	pp := newTestPool(t, 1, 4)
	_, err := pp.Allocate(make([]int64, 100))
	require.Error(t, err)
}

func TestReleaseOrderIsReverseForLastPageFirstEviction(t *testing.T) {
	pool := newTestPool(t, 4, 4).pools[0]
	pg1 := pool.popFree()
	pool.Acquire(pg1.ID)
	pg2 := pool.popFree()
	pool.Acquire(pg2.ID)

	pool.Release([]int{pg1.ID, pg2.ID})
	// pg2 (the "last block") is freed first, so it lands just ahead of pg1
	// on the free list and popFree, which takes the head, evicts it first
	// (spec §4.5).
	require.Equal(t, pg2.ID, pool.freeTail.prevFree.ID)
}
