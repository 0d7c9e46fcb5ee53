package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocSharedStorageOnSlice(t *testing.T) {
	a := NewAllocator(Device{Kind: Cpu}, 0)
	x, err := a.Alloc([]int64{4, 2}, F32)
	require.NoError(t, err)

	s, err := x.Slice(1, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 2}, s.Shape)
	require.Same(t, x.storage, s.storage)
}

func TestReshapeRejectsElementCountMismatch(t *testing.T) {
	a := NewAllocator(Device{Kind: Cpu}, 0)
	x, err := a.Alloc([]int64{4, 2}, F32)
	require.NoError(t, err)

	_, err = x.Reshape([]int64{3, 3})
	require.Error(t, err)
}

func TestAllocatorReportsOOMNotPanic(t *testing.T) {
	a := NewAllocator(Device{Kind: Cpu}, 1024)
	_, err := a.Alloc([]int64{1 << 20}, F32)
	require.Error(t, err)
}

func TestAllocatorTracksInUseAndPeak(t *testing.T) {
	a := NewAllocator(Device{Kind: Cpu}, 0)
	x, err := a.Alloc([]int64{64}, F32)
	require.NoError(t, err)
	require.Greater(t, a.InUse(), int64(0))
	peak := a.Peak()
	x.Release()
	require.Equal(t, peak, a.Peak(), "peak never decreases")
}

func TestMatMulIdentity(t *testing.T) {
	a := NewAllocator(Device{Kind: Cpu}, 0)
	x, err := a.Alloc([]int64{2, 2}, F32)
	require.NoError(t, err)
	writeF32(x, []float32{1, 2, 3, 4})

	id, err := a.Alloc([]int64{2, 2}, F32)
	require.NoError(t, err)
	writeF32(id, []float32{1, 0, 0, 1})

	dst, err := a.Alloc([]int64{2, 2}, F32)
	require.NoError(t, err)

	require.NoError(t, CPUBackend{}.MatMul(dst, x, id))
	require.Equal(t, []float32{1, 2, 3, 4}, f32View(dst))
}

func TestSoftmaxSumsToOne(t *testing.T) {
	a := NewAllocator(Device{Kind: Cpu}, 0)
	x, err := a.Alloc([]int64{3}, F32)
	require.NoError(t, err)
	writeF32(x, []float32{1, 2, 3})

	dst, err := a.Alloc([]int64{3}, F32)
	require.NoError(t, err)
	require.NoError(t, CPUBackend{}.Softmax(dst, x))

	var sum float32
	for _, v := range f32View(dst) {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}
