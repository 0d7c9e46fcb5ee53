package serve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamDecoderEmitsStableDeltas(t *testing.T) {
	tok := NewByteTokenizer(nil)
	d := NewStreamDecoder(tok, nil)

	var tokens []int64
	tokens = append(tokens, int64('h'))
	require.Equal(t, "h", d.Push(tokens))

	tokens = append(tokens, int64('i'))
	require.Equal(t, "i", d.Push(tokens))

	// no new tokens: nothing new to emit
	require.Equal(t, "", d.Push(tokens))
}

func TestStreamDecoderHoldsBackPartialStopString(t *testing.T) {
	tok := NewByteTokenizer(nil)
	d := NewStreamDecoder(tok, []string{"STOP"})

	tokens := []int64{'S', 'T'}
	require.Equal(t, "", d.Push(tokens)) // "ST" is a prefix of "STOP", held back

	tokens = append(tokens, 'X') // "STX" is no longer a prefix of "STOP"
	require.Equal(t, "STX", d.Push(tokens))
}

func TestStreamDecoderHoldsBackIncompleteUTF8(t *testing.T) {
	tok := NewByteTokenizer(nil)
	d := NewStreamDecoder(tok, nil)

	// 0xE2 0x82 0xAC is the UTF-8 encoding of '€'; push only the lead byte.
	tokens := []int64{0xE2}
	require.Equal(t, "", d.Push(tokens))

	tokens = append(tokens, 0x82)
	require.Equal(t, "", d.Push(tokens))

	tokens = append(tokens, 0xAC)
	require.Equal(t, "€", d.Push(tokens))
}

func TestStreamDecoderFlushEmitsRemainder(t *testing.T) {
	tok := NewByteTokenizer(nil)
	d := NewStreamDecoder(tok, []string{"STOP"})

	tokens := []int64{'S', 'T'}
	require.Equal(t, "", d.Push(tokens))
	require.Equal(t, "ST", d.Flush(tokens))
	require.Equal(t, "", d.Flush(tokens))
}

func TestIsStable(t *testing.T) {
	require.True(t, isStable("hello", []string{"STOP"}))
	require.False(t, isStable("STO", []string{"STOP"}))
	require.True(t, isStable("STOP", []string{"STOP"})) // equal length: not a *proper* prefix
}
