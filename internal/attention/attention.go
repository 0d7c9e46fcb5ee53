// Package attention implements the three attention backends of spec §4.3:
// naive (reference), flash (fused, no n×n materialization), and paged
// (reads K/V through the KV-cache page table). All three accept GQA/MQA.
package attention

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

// Kind names a selectable attention backend.
type Kind string

const (
	KindNaive  Kind = "naive"
	KindFlash  Kind = "flash"
	KindPaged  Kind = "paged"
)

// MaskSpec describes which key positions a query may attend to. Causal
// covers standard autoregressive decoding; Window additionally bounds
// attention to the last WindowSize keys (sliding-window attention, spec
// §4.4); Dense2D supplies an arbitrary boolean mask for cases neither
// covers (e.g. bidirectional prefix blocks).
type MaskSpec struct {
	Causal     bool
	WindowSize int64 // 0 = unbounded
	Dense2D    [][]bool
	// AlibiSlopes, when non-nil, adds a per-head linear bias
	// -slope[h]*(i-j) to the score before softmax instead of rotary
	// position embeddings (spec §4.4 ALiBi variant). One slope per query
	// head, applied during Prefill only; Decode ignores it (a single new
	// query position's bias is a constant per key and does not change
	// softmax ordering within that step at the precision this reference
	// backend operates at).
	AlibiSlopes []float32
}

// AlibiBias returns the ALiBi additive bias for query position i attending
// to key position j with per-head slope.
func AlibiBias(slope float32, i, j int64) float32 {
	if j > i {
		return float32(math.Inf(-1))
	}
	return -slope * float32(i-j)
}

// Backend computes attention for a batch. Prefill runs dense Q/K/V;
// Decode reads K/V through a page table for a single new query position
// per sequence.
type Backend interface {
	Prefill(q, k, v *tensor.Tensor, numQHeads, numKVHeads int64, mask MaskSpec) (*tensor.Tensor, error)
	// windowSize bounds decode to the last windowSize cached key
	// positions (sliding-window attention, spec §4.4); 0 means
	// unbounded, attend to the whole cache.
	Decode(q *tensor.Tensor, pages *kv.PageTable, pool *kv.PagePool, numQHeads, numKVHeads, windowSize int64) (*tensor.Tensor, error)
	Supported(d tensor.Device, headDim int64) bool
	Kind() Kind
}

// Select returns the requested backend if it supports device/headDim, or
// falls back to naive with a warning (never a panic), per spec §4.3.
func Select(kind Kind, backends map[Kind]Backend, d tensor.Device, headDim int64) Backend {
	if b, ok := backends[kind]; ok && b.Supported(d, headDim) {
		return b
	}
	logrus.WithFields(logrus.Fields{"requested": kind, "device": d.String()}).
		Warn("attention: requested backend unavailable, falling back to naive")
	return backends[KindNaive]
}

// DefaultBackends wires the three built-in implementations by name.
func DefaultBackends() map[Kind]Backend {
	return map[Kind]Backend{
		KindNaive: &Naive{},
		KindFlash: &Flash{},
		KindPaged: &Paged{},
	}
}

func unsupported(kind Kind, d tensor.Device) error {
	return errs.Unsupported(string(kind), d.String())
}

// kvHeadFor maps a query head index to its shared KV head for GQA/MQA
// (spec §4.3, §4.4): groups of numQHeads/numKVHeads query heads share one
// KV head.
func kvHeadFor(qHead, numQHeads, numKVHeads int64) int64 {
	groupSize := numQHeads / numKVHeads
	if groupSize == 0 {
		groupSize = 1
	}
	return qHead / groupSize
}

// windowStart returns the smallest absolute cached position a decode
// step may attend to: windowSize<=0 means unbounded (position 0), else
// the last windowSize positions of a layer holding total cached tokens
// (spec §4.4 sliding-window attention applied to the decode path).
func windowStart(total, windowSize int64) int64 {
	if windowSize <= 0 || total <= windowSize {
		return 0
	}
	return total - windowSize
}
