// Package kv implements the paged KV-cache of spec §4.5: a fixed-size
// physical page pool per (layer, device), O(1) free-list allocation, and
// rolling-hash prefix sharing of full pages. There is no copy-on-write
// fork: a partly matching page is never shared, so a sequence's pages
// from its first divergent token on are its own.
//
// This is a direct generalization of the teacher's sim/kvcache.go
// (KVBlock/KVCacheState free list + prefix hash table) from a simulated
// token-count model to real per-page K/V tensor storage, and of
// sim/batch_formation.go's preemptForTokens tail-eviction loop to a
// priority-driven eviction policy (spec §4.7).
package kv

import (
	"golang.org/x/crypto/blake2b"

	"github.com/localmind/localmind/internal/tensor"
)

// Page holds page_size contiguous token slots of K/V storage for one
// layer on one device (spec §3 KVPage). A page is free iff RefCount==0;
// it may be shared by multiple sequences (prefix sharing), in which case
// RefCount>1. Only full pages are shared, and no operation forks one.
type Page struct {
	ID       int
	Layer    int
	Device   tensor.Device
	K        *tensor.Tensor
	V        *tensor.Tensor
	RefCount int
	Hash     string // content hash once full; "" otherwise
	Tokens   []int64
	// mutationCount is reset to zero whenever the page is taken off the
	// free list; nothing in this build increments it, so it does not
	// record K/V writes.
	mutationCount int

	prevFree *Page
	nextFree *Page
}

// Pool is the free-list + prefix-hash table for one (layer, device) pair.
type Pool struct {
	Layer           int
	Device          tensor.Device
	PageSizeTokens  int64
	pages           []*Page
	hashToPage      map[string]int
	freeHead        *Page
	freeTail        *Page
	usedCount       int
	alloc           *tensor.Allocator
	headDim         int64
	numKVHeads      int64
	dtype           tensor.DType
}

// NewPool preallocates totalPages pages of pageSizeTokens slots each,
// sized for numKVHeads heads of headDim, and places them all on the free
// list in order (spec §4.5: O(1) allocation from a free list).
func NewPool(layer int, device tensor.Device, totalPages int, pageSizeTokens, numKVHeads, headDim int64, dtype tensor.DType, alloc *tensor.Allocator) (*Pool, error) {
	p := &Pool{
		Layer: layer, Device: device, PageSizeTokens: pageSizeTokens,
		pages: make([]*Page, totalPages), hashToPage: make(map[string]int),
		alloc: alloc, headDim: headDim, numKVHeads: numKVHeads, dtype: dtype,
	}
	for i := 0; i < totalPages; i++ {
		k, err := alloc.Alloc([]int64{pageSizeTokens, numKVHeads, headDim}, dtype)
		if err != nil {
			return nil, err
		}
		v, err := alloc.Alloc([]int64{pageSizeTokens, numKVHeads, headDim}, dtype)
		if err != nil {
			return nil, err
		}
		pg := &Page{ID: i, Layer: layer, Device: device, K: k, V: v}
		p.pages[i] = pg
		p.appendFree(pg)
	}
	return p, nil
}

func (p *Pool) appendFree(pg *Page) {
	pg.nextFree = nil
	if p.freeTail != nil {
		p.freeTail.nextFree = pg
		pg.prevFree = p.freeTail
		p.freeTail = pg
	} else {
		p.freeHead, p.freeTail = pg, pg
	}
}

func (p *Pool) removeFree(pg *Page) {
	if pg.prevFree != nil {
		pg.prevFree.nextFree = pg.nextFree
	} else {
		p.freeHead = pg.nextFree
	}
	if pg.nextFree != nil {
		pg.nextFree.prevFree = pg.prevFree
	} else {
		p.freeTail = pg.prevFree
	}
	pg.prevFree, pg.nextFree = nil, nil
}

// FreeCount returns the number of pages not currently in use.
func (p *Pool) FreeCount() int { return len(p.pages) - p.usedCount }

// TotalPages returns the pool's fixed capacity.
func (p *Pool) TotalPages() int { return len(p.pages) }

// popFree removes and returns the LRU free page, or nil if none are free.
func (p *Pool) popFree() *Page {
	head := p.freeHead
	if head == nil {
		return nil
	}
	p.removeFree(head)
	if head.Hash != "" {
		delete(p.hashToPage, head.Hash)
		head.Hash = ""
	}
	head.Tokens = nil
	head.mutationCount = 0
	return head
}

// hashTokens returns a blake2b hash of the joined token sequence (spec
// §4.5's rolling-hash prefix detection), grounded on the teacher's
// sha256-based hashTokens but using blake2b per the DOMAIN STACK's
// page-table-scale hashing choice.
func hashTokens(tokens []int64) string {
	h, _ := blake2b.New256(nil)
	buf := make([]byte, 8)
	for _, t := range tokens {
		for i := 0; i < 8; i++ {
			buf[i] = byte(t >> (8 * i))
		}
		h.Write(buf)
	}
	sum := h.Sum(nil)
	return string(sum)
}

// MatchCachedPrefix returns the IDs of full pages already in the hash
// table whose content is a prefix of tokens (spec §4.5 prefix sharing).
func (p *Pool) MatchCachedPrefix(tokens []int64) []int {
	var ids []int
	n := int64(len(tokens)) / p.PageSizeTokens
	for i := int64(0); i < n; i++ {
		chunk := tokens[:(i+1)*p.PageSizeTokens]
		h := hashTokens(chunk)
		id, ok := p.hashToPage[h]
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// Acquire increments a page's ref count, removing it from the free list
// the first time it's claimed.
func (p *Pool) Acquire(id int) {
	pg := p.pages[id]
	pg.RefCount++
	if pg.RefCount == 1 {
		// A page handed out by popFree is already unlinked; only a cached
		// page still sitting on the free list needs removing here.
		if pg.prevFree != nil || pg.nextFree != nil || p.freeHead == pg {
			p.removeFree(pg)
		}
		p.usedCount++
	}
}

// Release decrements ref counts for a set of pages, returning any that
// reach zero to the free list in reverse order (spec §4.5: the last
// block of a request hashes more tokens and is evicted first).
func (p *Pool) Release(ids []int) {
	for i := len(ids) - 1; i >= 0; i-- {
		pg := p.pages[ids[i]]
		pg.RefCount--
		if pg.RefCount == 0 {
			p.usedCount--
			p.appendFree(pg)
		}
	}
}

// Page returns the Page for an ID, for callers that need to write K/V.
func (p *Pool) Page(id int) *Page { return p.pages[id] }

// MarkFull computes and records a page's content hash once it holds a
// full page_size of tokens, registering it for future prefix matches.
func (p *Pool) MarkFull(id int, fullPrefixTokens []int64) {
	pg := p.pages[id]
	if int64(len(pg.Tokens)) != p.PageSizeTokens {
		return
	}
	h := hashTokens(fullPrefixTokens)
	pg.Hash = h
	p.hashToPage[h] = id
}
