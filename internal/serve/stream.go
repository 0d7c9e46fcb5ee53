package serve

import "unicode/utf8"

// StreamDecoder turns a growing token sequence into a series of stable
// text deltas (spec §4.8 / C8): each call to Push decodes the whole
// Generated-so-far token list, but only emits the suffix whose bytes are
// guaranteed not to change as more tokens arrive — i.e. not the tail of a
// partial multi-byte UTF-8 rune, and not a string that could still extend
// into a configured stop sequence.
type StreamDecoder struct {
	tok         Tokenizer
	stopStrings []string
	emitted     int // bytes of the fully-decoded text already emitted
}

// NewStreamDecoder builds a decoder for one in-flight generation.
func NewStreamDecoder(tok Tokenizer, stopStrings []string) *StreamDecoder {
	return &StreamDecoder{tok: tok, stopStrings: stopStrings}
}

// Push decodes tokens (the full generated-so-far list) and returns the
// newly stable delta, if any.
func (d *StreamDecoder) Push(tokens []int64) string {
	full := d.tok.Decode(tokens)
	stableLen := stableLength(full, d.stopStrings)
	if stableLen <= d.emitted {
		return ""
	}
	delta := full[d.emitted:stableLen]
	d.emitted = stableLen
	return delta
}

// Flush returns whatever remains undecoded once generation has finished,
// when no further tokens will arrive to resolve an in-progress partial
// match.
func (d *StreamDecoder) Flush(tokens []int64) string {
	full := d.tok.Decode(tokens)
	if d.emitted >= len(full) {
		return ""
	}
	rest := full[d.emitted:]
	d.emitted = len(full)
	return rest
}

// stableLength returns the longest prefix of s that is safe to emit: it
// ends on a complete UTF-8 rune boundary, and no tail of it is a proper
// prefix of any configured stop string (isStable), so a stop string that
// begins partway through the text is held back from its first byte.
func stableLength(s string, stopStrings []string) int {
	n := validUTF8PrefixLen(s)
	for start := 0; start < n; start++ {
		if !isStable(s[start:n], stopStrings) {
			return start
		}
	}
	return n
}

// validUTF8PrefixLen trims a trailing multi-byte rune whose continuation
// bytes haven't arrived yet (the last token decoded to a lead byte, or
// part of one, with the rest still pending in a future token).
func validUTF8PrefixLen(s string) int {
	limit := len(s)
	if limit == 0 {
		return 0
	}
	start := limit - utf8.UTFMax
	if start < 0 {
		start = 0
	}
	for i := limit - 1; i >= start; i-- {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return i // lead byte present, continuation bytes still missing
		}
		return limit // the last rune is complete and reaches exactly to limit
	}
	return limit
}

// isStable reports whether prefix cannot possibly be extended into one
// of stopStrings by tokens not yet generated, i.e. prefix is not itself a
// proper prefix of any stop string.
func isStable(prefix string, stopStrings []string) bool {
	for _, stop := range stopStrings {
		if len(stop) > len(prefix) && (stop[:len(prefix)] == prefix) {
			return false
		}
	}
	return true
}
