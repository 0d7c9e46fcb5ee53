// Package engine implements the request scheduler of spec §4.7: admission,
// chunked-prefill/decode batch formation, preemption, and the per-device
// run loop that drives C4 (model forward) and C6 (sampling) each step.
package engine

import (
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/sampler"
)

// State is a Sequence's lifecycle stage (spec §4.7).
type State string

const (
	StateWaiting    State = "waiting"
	StatePrefilling State = "prefilling"
	StateDecoding   State = "decoding"
	StateFinished   State = "finished"
)

// FinishReason names why a Sequence left StateDecoding.
type FinishReason string

const (
	FinishNone          FinishReason = ""
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishCancelled     FinishReason = "cancelled"
	FinishCapacity      FinishReason = "capacity_exceeded"
	FinishGrammarStuck  FinishReason = "grammar_stuck"
)

// Sequence is one request's live scheduling and generation state.
type Sequence struct {
	ID          string
	ArrivalTime int64
	Priority    float64

	Prompt    []int64
	Generated []int64

	State         State
	ProgressIndex int64 // total tokens computed so far (prompt + generated)
	NumNewTokens  int64 // scratch: tokens this step will compute, set by formBatch

	Pages *kv.PageTable

	SamplerCfg sampler.Config
	StopTokens map[int64]struct{}
	MaxTokens  int64

	FinishReason FinishReason

	TTFTSet        bool
	FirstTokenTime int64

	// OnToken, OnFinish notify the caller (C8 serve layer) of streaming
	// progress; nil is valid and simply drops the notification.
	OnToken  func(tok int64)
	OnFinish func(reason FinishReason, err error)

	cancelled bool
	pipeline  *sampler.Pipeline
}

// samplerPipeline returns this sequence's Pipeline, building it once on
// first use so RNG state persists across every sampled token (a fresh
// Pipeline per call would reseed and repeat the same draws).
func (s *Sequence) samplerPipeline(seed uint64) *sampler.Pipeline {
	if s.pipeline == nil {
		s.pipeline = sampler.New(s.SamplerCfg, seed)
	}
	return s.pipeline
}

// TotalTokens is prompt length plus tokens generated so far.
func (s *Sequence) TotalTokens() int64 {
	return int64(len(s.Prompt)) + int64(len(s.Generated))
}

// RemainingPromptTokens is how many prompt tokens still need a forward
// pass (nonzero while the sequence is still being prefilled, chunked or
// otherwise).
func (s *Sequence) RemainingPromptTokens() int64 {
	n := int64(len(s.Prompt)) - s.ProgressIndex
	if n < 0 {
		return 0
	}
	return n
}

// Cancel marks a sequence cancelled; observed at the next step boundary
// (spec §4.7 ordering guarantees).
func (s *Sequence) Cancel() { s.cancelled = true }

func (s *Sequence) Cancelled() bool { return s.cancelled }

// AppendToken records a freshly sampled token and reports whether it
// triggers a stop condition (stop token or MaxTokens reached).
func (s *Sequence) AppendToken(tok int64) (stop bool, reason FinishReason) {
	s.Generated = append(s.Generated, tok)
	if _, ok := s.StopTokens[tok]; ok {
		return true, FinishStop
	}
	if s.MaxTokens > 0 && int64(len(s.Generated)) >= s.MaxTokens {
		return true, FinishLength
	}
	return false, FinishNone
}
