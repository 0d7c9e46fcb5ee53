package quant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/tensor"
)

// packQ4_0 encodes vals (len must be a multiple of 32, values in [-8,7])
// into the packed nibble layout q4_0 expects.
func packQ4_0(vals []int) ([]byte, []float32) {
	nblocks := len(vals) / smallBlockSize
	raw := make([]byte, nblocks*smallBlockSize/2)
	scales := make([]float32, nblocks)
	for b := 0; b < nblocks; b++ {
		scales[b] = 1.0
		for j := 0; j < smallBlockSize/2; j++ {
			lo := byte(vals[b*smallBlockSize+j] + 8)
			hi := byte(vals[b*smallBlockSize+j+smallBlockSize/2] + 8)
			raw[b*smallBlockSize/2+j] = lo | (hi << 4)
		}
	}
	return raw, scales
}

func TestQ4_0MatMulMatchesDenseReference(t *testing.T) {
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)

	vals := make([]int, 32)
	for i := range vals {
		vals[i] = (i % 15) - 7
	}
	raw, scales := packQ4_0(vals)

	qm, err := New(SchemeQ4_0, 1, 32, 32, raw, scales, nil, alloc)
	require.NoError(t, err)

	x, err := alloc.Alloc([]int64{1, 32}, tensor.F32)
	require.NoError(t, err)
	xv := make([]float32, 32)
	for i := range xv {
		xv[i] = 1.0
	}
	tensor.WriteF32(x, xv)

	got, err := qm.MatMul(x)
	require.NoError(t, err)

	dense, err := qm.Dequantize()
	require.NoError(t, err)
	denseV := tensor.ReadF32(dense)
	var want float32
	for _, v := range denseV {
		want += v
	}
	gotV := tensor.ReadF32(got)
	require.InDelta(t, want, gotV[0], 1e-3)
}

func TestUnsupportedSchemeReturnsTypedError(t *testing.T) {
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	_, err := New(Scheme("bogus"), 1, 32, 32, nil, nil, nil, alloc)
	require.Error(t, err)
}

func TestQ8_0RoundTrip(t *testing.T) {
	alloc := tensor.NewAllocator(tensor.Device{Kind: tensor.Cpu}, 0)
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(int8(i - 16))
	}
	scales := []float32{0.5}
	qm, err := New(SchemeQ8_0, 1, 32, 32, raw, scales, nil, alloc)
	require.NoError(t, err)
	dense, err := qm.Dequantize()
	require.NoError(t, err)
	v := tensor.ReadF32(dense)
	require.Len(t, v, 32)
	require.InDelta(t, float64(int8(raw[0]))*0.5, v[0], 1e-6)
}
