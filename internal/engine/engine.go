package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/model"
	"github.com/localmind/localmind/internal/tensor"
)

// Engine drives one device's step loop: admission, batch formation (C7),
// forward pass (C4), sampling (C6), stop check, emit. One Engine runs one
// goroutine per device, replacing sim/simulator.go's discrete-event
// EventQueue with a plain blocking loop woken by Submit/Cancel and, once
// idle, by a poll interval.
type Engine struct {
	mu      sync.Mutex
	model   model.Model
	pool    *kv.PagePool
	waitQ   *waitQueue
	running *RunningBatch

	queueOrder QueueOrder
	admission  AdmissionPolicy
	priority   PriorityPolicy

	maxRunningReqs        int64
	maxScheduledTokens    int64
	prefillTokenThreshold int64
	preemptRetryLimit     int

	stepCount int
	wake      chan struct{}
}

// Config configures a new Engine's scheduling policy and step limits.
type Config struct {
	QueueOrder            QueueOrder
	Admission             AdmissionPolicy
	Priority              PriorityPolicy
	MaxRunningReqs        int64
	MaxScheduledTokens    int64
	PrefillTokenThreshold int64
	PreemptRetryLimit     int
}

// New builds an Engine bound to a loaded model and its KV page pool.
func New(m model.Model, pool *kv.PagePool, cfg Config) *Engine {
	if cfg.QueueOrder == nil {
		cfg.QueueOrder = FCFSOrder{}
	}
	if cfg.Admission == nil {
		cfg.Admission = AlwaysAdmit{}
	}
	if cfg.Priority == nil {
		cfg.Priority = ConstantPriority{}
	}
	if cfg.PreemptRetryLimit == 0 {
		cfg.PreemptRetryLimit = 8
	}
	return &Engine{
		model:                 m,
		pool:                  pool,
		waitQ:                 &waitQueue{},
		running:               &RunningBatch{},
		queueOrder:            cfg.QueueOrder,
		admission:             cfg.Admission,
		priority:              cfg.Priority,
		maxRunningReqs:        cfg.MaxRunningReqs,
		maxScheduledTokens:    cfg.MaxScheduledTokens,
		prefillTokenThreshold: cfg.PrefillTokenThreshold,
		preemptRetryLimit:     cfg.PreemptRetryLimit,
		wake:                  make(chan struct{}, 1),
	}
}

// Submit enqueues a new sequence after consulting the AdmissionPolicy. A
// rejection here never touches the wait queue or KV pages (spec §4.7
// admission is a separate gate from per-step batch formation capacity).
func (e *Engine) Submit(seq *Sequence) (admitted bool, reason string) {
	e.mu.Lock()
	admitted, reason = e.admission.Admit(seq, nowMicros())
	if admitted {
		seq.State = StateWaiting
		e.waitQ.Enqueue(seq)
	}
	e.mu.Unlock()
	if admitted {
		e.notify()
	}
	return admitted, reason
}

// EmbedTokens runs the bound model's standalone embedding pass outside
// the scheduler loop entirely (spec §4.8 /v1/embeddings): an embedding
// request never enters the wait queue or touches the shared KV pool,
// since it carries no decode phase to schedule against.
func (e *Engine) EmbedTokens(tokens []int64) ([]float32, error) {
	return e.model.Embed(tokens)
}

// Cancel marks a sequence cancelled, wherever it currently lives (spec
// §4.7: cancellation is only observable at the next step boundary).
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.running.Sequences {
		if s.ID == id {
			s.Cancel()
			return true
		}
	}
	if s := findByID(e.waitQ.All(), id); s != nil {
		s.Cancel()
		return true
	}
	return false
}

func findByID(seqs []*Sequence, id string) *Sequence {
	for _, s := range seqs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// evictCancelledLocked removes every cancelled sequence from the running
// batch and the wait queue before batch formation runs, so a cancellation
// takes effect at the very next step boundary (spec §4.7 ordering
// guarantees) rather than waiting for formBatch to notice a stale
// NumNewTokens. Caller must hold e.mu.
func (e *Engine) evictCancelledLocked() []*Sequence {
	var cancelled []*Sequence

	kept := make([]*Sequence, 0, len(e.running.Sequences))
	for _, s := range e.running.Sequences {
		if !s.Cancelled() {
			kept = append(kept, s)
			continue
		}
		s.State = StateFinished
		s.FinishReason = FinishCancelled
		if s.Pages != nil {
			e.pool.Release(s.Pages)
			s.Pages = nil
		}
		cancelled = append(cancelled, s)
	}
	e.running.Sequences = kept

	stillWaiting := make([]*Sequence, 0, e.waitQ.Len())
	for _, s := range e.waitQ.All() {
		if !s.Cancelled() {
			stillWaiting = append(stillWaiting, s)
			continue
		}
		s.State = StateFinished
		s.FinishReason = FinishCancelled
		cancelled = append(cancelled, s)
	}
	e.waitQ.q = stillWaiting

	return cancelled
}

// Run executes the step loop until ctx is cancelled. Call it once per
// device in its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if e.step() {
			continue // more work queued immediately, skip the idle wait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// step runs one scheduling+forward+sample cycle. It returns true if any
// sequence made progress, so Run can immediately re-poll under load
// instead of idling between busy steps.
func (e *Engine) step() bool {
	e.mu.Lock()
	e.stepCount++
	clock := nowMicros()
	e.queueOrder.OrderQueue(e.waitQ.All(), clock)

	cancelledRunning := e.evictCancelledLocked()

	bctx := &BatchContext{
		RunningBatch:          e.running,
		WaitQ:                 e.waitQ,
		Pool:                  e.pool,
		Priority:              e.priority,
		MaxScheduledTokens:    e.maxScheduledTokens,
		MaxRunningReqs:        e.maxRunningReqs,
		PrefillTokenThreshold: e.prefillTokenThreshold,
		Now:                   clock,
		StepCount:             e.stepCount,
		PreemptRetryLimit:     e.preemptRetryLimit,
	}
	result := formBatch(bctx)
	e.running = result.RunningBatch
	active := make([]*Sequence, 0, len(e.running.Sequences))
	for _, s := range e.running.Sequences {
		if s.NumNewTokens > 0 {
			active = append(active, s)
		}
	}
	e.mu.Unlock()

	for _, s := range cancelledRunning {
		if s.OnFinish != nil {
			s.OnFinish(FinishCancelled, nil)
		}
	}

	if result.Rejected != nil {
		logrus.Warnf("[step %07d] rejecting sequence %s: capacity exceeded", e.stepCount, result.Rejected.ID)
		if result.Rejected.OnFinish != nil {
			result.Rejected.OnFinish(FinishCapacity, errs.CapacityExceeded(result.Rejected.ID))
		}
	}
	for _, victim := range result.Preempted {
		logrus.Infof("[step %07d] sequence %s preempted, re-queued", e.stepCount, victim.ID)
	}

	if len(active) == 0 {
		return result.Rejected != nil || result.PreemptionHappened || len(result.NewlyScheduled) > 0 || len(cancelledRunning) > 0
	}

	for _, seq := range active {
		e.runOne(seq, clock)
	}
	return true
}

// runOne forwards one sequence's scheduled chunk and, once its prompt is
// fully computed, samples and appends its next token.
func (e *Engine) runOne(seq *Sequence, clock int64) {
	if seq.Cancelled() {
		e.finish(seq, FinishCancelled, nil)
		return
	}

	decode := seq.State == StateDecoding
	var tokens []int64
	if decode {
		tokens = []int64{lastToken(seq)}
	} else {
		tokens = seq.Prompt[seq.ProgressIndex : seq.ProgressIndex+seq.NumNewTokens]
	}
	positions := make([]int64, len(tokens))
	for i := range positions {
		positions[i] = seq.ProgressIndex + int64(i)
	}
	fullHistory := append(append([]int64{}, seq.Prompt...), seq.Generated...)

	res, err := e.model.Forward(model.ForwardRequest{
		Tokens:      tokens,
		Positions:   positions,
		Pages:       seq.Pages,
		Pool:        e.pool,
		Decode:      decode,
		FullHistory: fullHistory,
	})
	if err != nil {
		logrus.Errorf("[step %07d] sequence %s forward failed: %v", e.stepCount, seq.ID, err)
		e.finish(seq, FinishCapacity, err)
		return
	}

	seq.ProgressIndex += seq.NumNewTokens
	if !decode && seq.RemainingPromptTokens() > 0 {
		return // more prefill chunks remain before this sequence's first token
	}

	vocab := res.Logits.Shape[len(res.Logits.Shape)-1]
	flat := tensor.ReadF32(res.Logits)
	lastRow := flat[int64(len(tokens)-1)*vocab : int64(len(tokens))*vocab]

	pipeline := seq.samplerPipeline(seedFor(seq.ID))
	tok, err := pipeline.Sample(lastRow, fullHistory)
	if err != nil {
		if samplerErr, ok := err.(*errs.Error); ok && samplerErr.Kind == errs.KindSamplerStuck {
			e.finish(seq, FinishGrammarStuck, err)
			return
		}
		logrus.Errorf("[step %07d] sequence %s sample failed: %v", e.stepCount, seq.ID, err)
		e.finish(seq, FinishCapacity, err)
		return
	}

	if !seq.TTFTSet {
		seq.TTFTSet = true
		seq.FirstTokenTime = clock
	}
	stop, reason := seq.AppendToken(tok)
	seq.State = StateDecoding
	if seq.OnToken != nil {
		seq.OnToken(tok)
	}
	if stop {
		e.finish(seq, reason, nil)
	}
}

func (e *Engine) finish(seq *Sequence, reason FinishReason, err error) {
	e.mu.Lock()
	seq.State = StateFinished
	seq.FinishReason = reason
	for i, s := range e.running.Sequences {
		if s == seq {
			e.running.Sequences = append(e.running.Sequences[:i], e.running.Sequences[i+1:]...)
			break
		}
	}
	if seq.Pages != nil {
		e.pool.Release(seq.Pages)
		seq.Pages = nil
	}
	e.mu.Unlock()
	if seq.OnFinish != nil {
		seq.OnFinish(reason, err)
	}
}

func lastToken(seq *Sequence) int64 {
	if len(seq.Generated) > 0 {
		return seq.Generated[len(seq.Generated)-1]
	}
	return seq.Prompt[len(seq.Prompt)-1]
}

// seedFor derives a deterministic per-sequence sampler seed from its ID,
// so replaying the same request ID against the same config reproduces the
// same generation (spec §4.6).
func seedFor(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// nowMicros is the engine's clock source. A package-level var so tests
// can substitute a deterministic clock.
var nowMicros = func() int64 { return time.Now().UnixMicro() }
