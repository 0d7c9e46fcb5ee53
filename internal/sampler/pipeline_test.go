package sampler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleGreedyPicksArgmaxAtZeroTemperature(t *testing.T) {
	p := New(Config{Temperature: 0}, 1)
	logits := []float32{0.1, 5.0, -2.0, 0.3}
	tok, err := p.Sample(logits, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), tok)
}

func TestSampleAppliesLogitBias(t *testing.T) {
	p := New(Config{Temperature: 0, LogitBias: map[int64]float32{2: 100}}, 1)
	logits := []float32{0.1, 5.0, -2.0, 0.3}
	tok, err := p.Sample(logits, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), tok)
}

func TestSampleReturnsSamplerStuckWhenGrammarRejectsEverything(t *testing.T) {
	p := New(Config{Temperature: 1, Grammar: rejectAllGrammar{}}, 1)
	_, err := p.Sample([]float32{1, 1, 1}, nil)
	require.Error(t, err)
}

func TestSampleGreedyReturnsSamplerStuckWhenGrammarRejectsEverything(t *testing.T) {
	p := New(Config{Temperature: 0, Grammar: rejectAllGrammar{}}, 1)
	_, err := p.Sample([]float32{1, 1, 1}, nil)
	require.Error(t, err)
}

type rejectAllGrammar struct{}

func (rejectAllGrammar) Allowed(history []int64) map[int64]struct{} {
	return map[int64]struct{}{}
}

func TestApplyPenaltiesDampensRecentTokens(t *testing.T) {
	logits := []float32{1, 1, 1}
	applyPenalties(logits, []int64{0, 0, 0}, 0, 1.2, 0, 0)
	require.Less(t, logits[0], logits[1])
}

func TestApplyTopKKeepsOnlyLargest(t *testing.T) {
	probs := []float32{0.1, 0.6, 0.3}
	out := applyTopK(probs, 1)
	require.Equal(t, float32(0), out[0])
	require.Equal(t, float32(0.6), out[1])
	require.Equal(t, float32(0), out[2])
}

func TestApplyTopPKeepsSmallestSufficientPrefix(t *testing.T) {
	probs := []float32{0.5, 0.3, 0.1, 0.1}
	out := applyTopP(probs, 0.6)
	require.Greater(t, out[0], float32(0))
	require.Equal(t, float32(0), out[2])
	require.Equal(t, float32(0), out[3])
}

func TestApplyMinPDropsLowProbabilityTail(t *testing.T) {
	probs := []float32{0.8, 0.05, 0.15}
	out := applyMinP(probs, 0.5)
	require.Greater(t, out[0], float32(0))
	require.Equal(t, float32(0), out[1])
}

func TestDryPenalizesRepeatedSuffix(t *testing.T) {
	// history ends "...10, 20"; candidate 30 would recreate the earlier
	// "10, 20, 30" run seen at the start of history, so it should be
	// penalized relative to a token with no such match.
	history := []int64{10, 20, 30, 10, 20}
	probs := make([]float32, 31)
	for i := range probs {
		probs[i] = 1
	}
	cfg := Config{DryMultiplier: 5, DryBase: 1.5, DryAllowedLength: 1}
	applyDRY(probs, history, cfg)
	require.Less(t, probs[30], probs[5])
}

func TestRenormalizeReturnsFalseOnAllZero(t *testing.T) {
	_, ok := renormalize([]float32{0, 0, 0})
	require.False(t, ok)
}

func TestJSONSchemaGrammarRejectsNonMatchingFirstChar(t *testing.T) {
	schema := &Schema{Type: "object"}
	g := NewJSONSchemaGrammar(schema, fakeVocab{"{": 0, "[": 1})
	allowed := g.Allowed(nil)
	_, okBrace := allowed[0]
	_, okBracket := allowed[1]
	require.True(t, okBrace)
	require.False(t, okBracket)
}

type fakeVocab map[string]int64

func (v fakeVocab) Piece(id int64) string {
	for s, i := range v {
		if i == id {
			return s
		}
	}
	return ""
}
