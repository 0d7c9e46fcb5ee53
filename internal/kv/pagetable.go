package kv

import (
	"fmt"

	"github.com/localmind/localmind/internal/tensor"
)

// PageEntry is one (page_id, valid_length) pair in a sequence's per-layer
// page table (spec §3 PageTable). Exactly one entry at the tail may be
// partially filled; all preceding entries are full.
type PageEntry struct {
	PageID    int
	ValidLen  int64
}

// PageTable is the per-sequence, per-layer mapping from logical token
// index to (page id, offset) (spec §3).
type PageTable struct {
	PageSizeTokens int64
	Layers         [][]PageEntry // one []PageEntry per layer
}

// TotalValidLen sums ValidLen across one layer's entries; used by the
// testable property sum(page.valid_len) == len(prompt)+len(generated)
// (spec §8).
func (pt *PageTable) TotalValidLen(layer int) int64 {
	var n int64
	for _, e := range pt.Layers[layer] {
		n += e.ValidLen
	}
	return n
}

// PagePool aggregates one kv.Pool per (layer, device); it is the object
// the scheduler (C7) and attention backends (C3) interact with.
type PagePool struct {
	NumLayers      int
	PageSizeTokens int64
	pools          []*Pool // one per layer, all on the same device in this build
	priority       func(seqID string) float64
}

// NewPagePool creates numLayers independent Pool instances, each with
// pagesPerLayer pages of pageSizeTokens slots.
func NewPagePool(numLayers, pagesPerLayer int, pageSizeTokens, numKVHeads, headDim int64, dtype tensor.DType, device tensor.Device, alloc *tensor.Allocator) (*PagePool, error) {
	pools := make([]*Pool, numLayers)
	for l := 0; l < numLayers; l++ {
		p, err := NewPool(l, device, pagesPerLayer, pageSizeTokens, numKVHeads, headDim, dtype, alloc)
		if err != nil {
			return nil, fmt.Errorf("kv: allocate layer %d pool: %w", l, err)
		}
		pools[l] = p
	}
	return &PagePool{NumLayers: numLayers, PageSizeTokens: pageSizeTokens, pools: pools}, nil
}

// FreePages returns the minimum free-page count across layers (the
// binding constraint for admission, spec §4.7 step 1).
func (pp *PagePool) FreePages() int {
	min := pp.pools[0].FreeCount()
	for _, p := range pp.pools[1:] {
		if f := p.FreeCount(); f < min {
			min = f
		}
	}
	return min
}

// EstimatePagesNeeded returns ceil(nTokens / page_size) pages per layer.
func (pp *PagePool) EstimatePagesNeeded(nTokens int64) int64 {
	return (nTokens + pp.PageSizeTokens - 1) / pp.PageSizeTokens
}

// Allocate reserves pages for tokens[0:end) on every layer, reusing any
// cached prefix pages for the layer-0 hash match (prefix sharing is
// detected once, on layer 0, and mirrored across layers since the token
// content is identical across layers by construction). Returns a new
// PageTable or an error if the pool cannot serve the request.
func (pp *PagePool) Allocate(tokens []int64) (*PageTable, error) {
	pt := &PageTable{PageSizeTokens: pp.PageSizeTokens, Layers: make([][]PageEntry, pp.NumLayers)}
	cached := pp.pools[0].MatchCachedPrefix(tokens)
	nCachedTokens := int64(len(cached)) * pp.PageSizeTokens

	remaining := tokens[nCachedTokens:]
	nNewPages := pp.EstimatePagesNeeded(int64(len(remaining)))
	if int64(pp.FreePages()) < nNewPages {
		return nil, fmt.Errorf("kv: insufficient free pages: need %d, have %d", nNewPages, pp.FreePages())
	}

	for l := 0; l < pp.NumLayers; l++ {
		entries := make([]PageEntry, 0, len(cached)+int(nNewPages))
		for _, id := range cached {
			pp.pools[l].Acquire(id)
			entries = append(entries, PageEntry{PageID: id, ValidLen: pp.PageSizeTokens})
		}
		off := nCachedTokens
		for i := int64(0); i < nNewPages; i++ {
			pg := pp.pools[l].popFree()
			if pg == nil {
				// Shouldn't happen given the FreePages check above, but
				// never panic on this path (spec §7).
				return nil, fmt.Errorf("kv: free-list exhausted mid-allocation on layer %d", l)
			}
			pp.pools[l].Acquire(pg.ID)
			start := off
			end := off + pp.PageSizeTokens
			if end > int64(len(tokens)) {
				end = int64(len(tokens))
			}
			pg.Tokens = append([]int64{}, tokens[start:end]...)
			entries = append(entries, PageEntry{PageID: pg.ID, ValidLen: end - start})
			if int64(len(pg.Tokens)) == pp.PageSizeTokens {
				pp.pools[l].MarkFull(pg.ID, tokens[:end])
			}
			off = end
		}
		pt.Layers[l] = entries
	}
	return pt, nil
}

// Append extends a page table by one decoded token, allocating a new tail
// page per layer when the current tail is full (spec §4.5 append-on-decode).
func (pp *PagePool) Append(pt *PageTable, token int64, fullTokenHistory []int64) error {
	for l := 0; l < pp.NumLayers; l++ {
		entries := pt.Layers[l]
		if len(entries) == 0 {
			return fmt.Errorf("kv: append to empty page table on layer %d", l)
		}
		tail := &entries[len(entries)-1]
		pg := pp.pools[l].Page(tail.PageID)
		if tail.ValidLen < pp.PageSizeTokens {
			pg.Tokens = append(pg.Tokens, token)
			tail.ValidLen++
			if tail.ValidLen == pp.PageSizeTokens {
				pp.pools[l].MarkFull(tail.PageID, fullTokenHistory)
			}
			continue
		}
		newPg := pp.pools[l].popFree()
		if newPg == nil {
			return fmt.Errorf("kv: no free pages to append on layer %d", l)
		}
		pp.pools[l].Acquire(newPg.ID)
		newPg.Tokens = []int64{token}
		pt.Layers[l] = append(entries, PageEntry{PageID: newPg.ID, ValidLen: 1})
	}
	return nil
}

// Release frees every page referenced by pt across all layers (spec
// §4.5: pages freed only when no sequence's table references them).
func (pp *PagePool) Release(pt *PageTable) {
	for l := 0; l < pp.NumLayers; l++ {
		ids := make([]int, len(pt.Layers[l]))
		for i, e := range pt.Layers[l] {
			ids[i] = e.PageID
		}
		pp.pools[l].Release(ids)
	}
}

// Layer exposes the underlying per-layer pool, e.g. for attention
// backends reading K/V tensors directly (spec §4.3 paged attention).
func (pp *PagePool) LayerPool(l int) *Pool { return pp.pools[l] }
