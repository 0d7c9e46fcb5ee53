package tensor

import (
	"fmt"
	"sort"
	"sync"
)

// sizeClasses are the slab bucket sizes (bytes) the Allocator serves
// allocations from; a request rounds up to the next class, matching the
// size-class slab allocator design in spec §4.1.
var sizeClasses = buildSizeClasses()

func buildSizeClasses() []int {
	classes := []int{256, 512, 1024, 4096, 16384, 65536, 262144, 1 << 20, 1 << 24, 1 << 28}
	sort.Ints(classes)
	return classes
}

func classFor(n int) (int, bool) {
	for _, c := range sizeClasses {
		if n <= c {
			return c, true
		}
	}
	return 0, false
}

// Allocator is a per-device slab allocator with free lists per size class.
// It never panics on exhaustion: Alloc returns an error wrapping an
// out-of-memory sentinel. It exposes InUse/Peak counters (spec §4.1);
// the /metrics exposition does not read them.
type Allocator struct {
	mu       sync.Mutex
	device   Device
	limit    int64 // 0 means unbounded (CPU default)
	freeList map[int][][]byte
	inUse    int64
	peak     int64
	inUseCnt int64
}

// NewAllocator creates an Allocator for device with an optional byte budget
// (0 = unbounded, used for the CPU reference backend).
func NewAllocator(device Device, limitBytes int64) *Allocator {
	return &Allocator{device: device, limit: limitBytes, freeList: make(map[int][][]byte)}
}

// Alloc reserves a tensor of the given shape/dtype, returning an error
// wrapping errOOM (never panicking) on OOM, matching spec §4.1's allocator contract.
func (a *Allocator) Alloc(shape []int64, dtype DType) (*Tensor, error) {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	nbytes := int(n * int64(dtype.Size()))
	buf, err := a.allocBytes(nbytes)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		DType:   dtype,
		Shape:   append([]int64{}, shape...),
		Strides: contiguousStrides(shape),
		Device:  a.device,
		storage: newStorage(buf, a.device, a),
	}, nil
}

func (a *Allocator) allocBytes(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	class, ok := classFor(n)
	if !ok {
		return nil, fmt.Errorf("tensor: allocation of %d bytes exceeds largest size class on %s: %w", n, a.device, errOOM)
	}
	if a.limit > 0 && a.inUse+int64(class) > a.limit {
		return nil, fmt.Errorf("tensor: OOM on %s: %d bytes requested, %d/%d in use: %w", a.device, class, a.inUse, a.limit, errOOM)
	}

	var buf []byte
	if bucket := a.freeList[class]; len(bucket) > 0 {
		buf = bucket[len(bucket)-1]
		a.freeList[class] = bucket[:len(bucket)-1]
	} else {
		buf = make([]byte, class)
	}
	a.inUse += int64(class)
	a.inUseCnt++
	if a.inUse > a.peak {
		a.peak = a.inUse
	}
	return buf[:n], nil
}

// free returns a storage's backing buffer to its size class free list.
func (a *Allocator) free(s *Storage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	class, ok := classFor(cap(s.data))
	if !ok {
		return
	}
	a.freeList[class] = append(a.freeList[class], s.data[:0:class])
	a.inUse -= int64(class)
	a.inUseCnt--
}

// InUse returns the number of bytes currently checked out.
func (a *Allocator) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Peak returns the high-water mark of bytes in use.
func (a *Allocator) Peak() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

var errOOM = fmt.Errorf("out of memory")
