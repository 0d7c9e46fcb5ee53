package serve

// Tokenizer turns text into model token ids and back. This build ships
// only byteTokenizer, a byte-level fallback, since no vocab asset ships
// with the example pack this loader was grounded on; a checkpoint's BPE
// vocab/merges in its GGUF metadata (tokenizer.ggml.tokens/
// tokenizer.ggml.merges) are not read. A real BPE tokenizer plugs in
// behind the same interface without touching C7/C8.
type Tokenizer interface {
	Encode(text string) []int64
	Decode(tokens []int64) string
	// TokenToBytes returns the raw bytes a single token id decodes to,
	// used by byteTokenizer.Decode and by internal/agent's grammar
	// vocabulary adapter.
	TokenToBytes(tok int64) []byte
}

// byteTokenizer maps every byte value 0-255 to its own token id one for
// one; ids 256+ are reserved for special tokens (BOS/EOS/etc.) supplied
// by the caller.
type byteTokenizer struct {
	special map[int64]string // id -> literal text, e.g. 256: "<|im_end|>"
}

// NewByteTokenizer constructs the default byte-level Tokenizer, with an
// optional table of special token ids recognized verbatim on Decode.
func NewByteTokenizer(special map[int64]string) Tokenizer {
	return &byteTokenizer{special: special}
}

func (b *byteTokenizer) Encode(text string) []int64 {
	raw := []byte(text)
	out := make([]int64, len(raw))
	for i, c := range raw {
		out[i] = int64(c)
	}
	return out
}

func (b *byteTokenizer) Decode(tokens []int64) string {
	buf := make([]byte, 0, len(tokens))
	for _, tok := range tokens {
		buf = append(buf, b.TokenToBytes(tok)...)
	}
	return string(buf)
}

func (b *byteTokenizer) TokenToBytes(tok int64) []byte {
	if tok >= 0 && tok < 256 {
		return []byte{byte(tok)}
	}
	if s, ok := b.special[tok]; ok {
		return []byte(s)
	}
	return nil
}
