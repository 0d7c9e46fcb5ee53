package gguf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleFile() *File {
	return &File{
		Header: Header{Magic: MagicGGUFLittleEndian, Version: V3, TensorCount: 2, MetadataKVCount: 5},
		Metadata: []KV{
			{Key: "general.architecture", Type: TypeString, Value: "llama"},
			{Key: "llama.block_count", Type: TypeUint32, Value: uint32(2)},
			{Key: "llama.embedding_length", Type: TypeUint32, Value: uint32(8)},
			{Key: "llama.attention.layer_norm_rms_epsilon", Type: TypeFloat32, Value: float32(1e-5)},
			{Key: "tokenizer.ggml.tokens", Type: TypeArray, Value: ArrayValue{
				Elem: TypeString, Len: 3, Vals: []any{"<s>", "</s>", "hi"},
			}},
		},
		Tensors: []TensorInfo{
			{Name: "token_embd.weight", NDims: 2, Dims: []uint64{8, 4}, Type: GGMLTypeF32, Offset: 0},
			{Name: "blk.0.attn_q.weight", NDims: 2, Dims: []uint64{8, 8}, Type: GGMLTypeQ4_0, Offset: 128},
		},
		Alignment: 32,
		Data:      bytes.Repeat([]byte{0xAB}, 256),
	}
}

func TestRoundTripParseSerializeParse(t *testing.T) {
	orig := sampleFile()

	var buf bytes.Buffer
	require.NoError(t, orig.Serialize(&buf))

	got, err := Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, orig.Header, got.Header)
	require.Equal(t, orig.Alignment, got.Alignment)
	require.Equal(t, orig.Tensors, got.Tensors)
	require.Equal(t, orig.Data, got.Data)
	require.Len(t, got.Metadata, len(orig.Metadata))
	for i := range orig.Metadata {
		require.Equal(t, orig.Metadata[i].Key, got.Metadata[i].Key)
		require.Equal(t, orig.Metadata[i].Type, got.Metadata[i].Type)
		require.Equal(t, orig.Metadata[i].Value, got.Metadata[i].Value)
	}

	// Serializing the re-parsed file must reproduce the exact same bytes.
	var buf2 bytes.Buffer
	require.NoError(t, got.Serialize(&buf2))
	require.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestParseRejectsLegacyMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'g', 'g', 'm', 'l'})
	_, err := Parse(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
}

func TestFileAccessors(t *testing.T) {
	f := sampleFile()
	s, ok := f.String("general.architecture")
	require.True(t, ok)
	require.Equal(t, "llama", s)

	n, ok := f.Uint32("llama.block_count")
	require.True(t, ok)
	require.Equal(t, uint32(2), n)

	_, ok = f.String("missing.key")
	require.False(t, ok)
}
