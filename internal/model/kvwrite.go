package model

import (
	"github.com/localmind/localmind/internal/errs"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/tensor"
)

// writeKVChunk writes a forward pass's freshly computed K/V for one layer
// into the page table at the absolute token positions they belong to
// (spec §4.5: a page table's pages must already be reserved by
// PagePool.Allocate/Append before this runs). It serves both chunked
// prefill, where seqLen may be greater than one, and decode, where it is
// always exactly one — a single new token is just the seqLen==1 case of
// the same addressing scheme.
func writeKVChunk(pool *kv.PagePool, pages *kv.PageTable, layer int, positions []int64, k, v *tensor.Tensor, numKVHeads, headDim int64) error {
	entries := pages.Layers[layer]
	rowSize := numKVHeads * headDim
	kFlat := tensor.ReadF32(k)
	vFlat := tensor.ReadF32(v)

	for row, pos := range positions {
		entryIdx := pos / pages.PageSizeTokens
		offset := pos % pages.PageSizeTokens
		if int(entryIdx) >= len(entries) {
			return errs.New(errs.KindInternal, "writeKVChunk: position beyond allocated page table")
		}
		pg := pool.LayerPool(layer).Page(entries[entryIdx].PageID)

		pgK := tensor.ReadF32(pg.K)
		pgV := tensor.ReadF32(pg.V)
		base := offset * rowSize
		srcBase := int64(row) * rowSize
		copy(pgK[base:base+rowSize], kFlat[srcBase:srcBase+rowSize])
		copy(pgV[base:base+rowSize], vFlat[srcBase:srcBase+rowSize])
		tensor.WriteF32(pg.K, pgK)
		tensor.WriteF32(pg.V, pgV)
	}
	return nil
}
