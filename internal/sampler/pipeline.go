// Package sampler implements the token-selection pipeline of spec §4.6:
// logit bias, penalties, grammar masking, temperature, top-k/top-p/min-p,
// DRY, renormalize, sample — each stage its own function so the pipeline
// order and short-circuits (T==0 argmax, empty post-filter distribution)
// stay readable end to end. Both the T==0 and T>0 paths report
// KindSamplerStuck when grammar masking rejects every vocab entry, rather
// than the T==0 path silently returning token 0.
package sampler

import (
	"math/rand/v2"

	"github.com/localmind/localmind/internal/errs"
)

// Config holds every per-request sampling parameter. Zero values disable
// a stage: Temperature==0 short-circuits to greedy argmax, TopK==0 skips
// top-k, TopP==0 skips nucleus filtering, MinP==0 skips min-p, DryMultiplier==0
// skips DRY.
type Config struct {
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32

	RepetitionPenalty float32
	FrequencyPenalty  float32
	PresencePenalty   float32
	PenaltyLastN      int

	LogitBias map[int64]float32

	DryMultiplier       float32
	DryBase             float32
	DryAllowedLength    int
	DrySequenceBreakers [][]int64

	Grammar Grammar
}

// Pipeline runs Config's stages against one step's logits.
type Pipeline struct {
	cfg Config
	rng *rand.Rand
}

// New builds a Pipeline with a deterministic PRNG seeded from seed (so a
// request replayed with the same seed reproduces the same sample).
func New(cfg Config, seed uint64) *Pipeline {
	return &Pipeline{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sample runs the full pipeline against logits (one vocab-sized row) given
// the sequence's token history so far, returning the chosen token id.
func (p *Pipeline) Sample(logits []float32, history []int64) (int64, error) {
	working := make([]float32, len(logits))
	copy(working, logits)

	applyLogitBias(working, p.cfg.LogitBias)
	applyPenalties(working, history, p.cfg.PenaltyLastN, p.cfg.RepetitionPenalty, p.cfg.FrequencyPenalty, p.cfg.PresencePenalty)
	var rejected map[int64]struct{}
	if p.cfg.Grammar != nil {
		rejected = applyGrammarMask(working, p.cfg.Grammar, history)
	}

	if p.cfg.Temperature == 0 {
		if rejected != nil && len(rejected) == len(working) {
			return 0, errs.New(errs.KindSamplerStuck, "grammar/penalty stack eliminated every candidate token")
		}
		return argmax(working)
	}
	for i := range working {
		working[i] /= p.cfg.Temperature
	}

	probs := softmax(working)
	for id := range rejected {
		probs[id] = 0
	}
	probs = applyTopK(probs, p.cfg.TopK)
	probs = applyTopP(probs, p.cfg.TopP)
	probs = applyMinP(probs, p.cfg.MinP)
	if p.cfg.DryMultiplier != 0 {
		applyDRY(probs, history, p.cfg)
	}

	probs, ok := renormalize(probs)
	if !ok {
		return 0, errs.New(errs.KindSamplerStuck, "grammar/penalty stack eliminated every candidate token")
	}
	return sampleFrom(probs, p.rng), nil
}

func argmax(logits []float32) (int64, error) {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int64(best), nil
}

func softmax(logits []float32) []float32 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		e := expf32(v - max)
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// renormalize rescales probs to sum to 1 after filtering stages have
// zeroed some entries; returns ok=false when every entry is zero (the
// GrammarStuck / sampler-stuck condition, spec §4.6).
func renormalize(probs []float32) ([]float32, bool) {
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return nil, false
	}
	out := make([]float32, len(probs))
	for i, p := range probs {
		out[i] = p / sum
	}
	return out, true
}

func sampleFrom(probs []float32, rng *rand.Rand) int64 {
	u := float32(rng.Float64())
	var cum float32
	for i, p := range probs {
		cum += p
		if u <= cum {
			return int64(i)
		}
	}
	return int64(len(probs) - 1)
}

func applyLogitBias(logits []float32, bias map[int64]float32) {
	for id, b := range bias {
		if int(id) >= 0 && int(id) < len(logits) {
			logits[id] += b
		}
	}
}
