// Package tensor implements the typed N-dimensional tensor handle described
// in spec §3/§4.1: a device- and dtype-polymorphic handle with
// reference-counted storage and shared slicing/reshaping. There is no
// per-device stream: ops run synchronously on the calling goroutine, and
// nothing orders or locks concurrent writes to shared storage.
package tensor

import (
	"fmt"
	"sync/atomic"
)

// DType enumerates the element types a Tensor may hold.
type DType int

const (
	F32 DType = iota
	F16
	BF16
	F8
	I32
	I16
	I8
	U8
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case F8:
		return "f8"
	case I32:
		return "i32"
	case I16:
		return "i16"
	case I8:
		return "i8"
	case U8:
		return "u8"
	default:
		return "unknown"
	}
}

// Size returns the number of bytes a single element of this dtype occupies.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F16, BF16, I16:
		return 2
	case F8, I8, U8:
		return 1
	default:
		return 0
	}
}

// DeviceKind enumerates the accelerator families a Tensor can live on.
type DeviceKind int

const (
	Cpu DeviceKind = iota
	Cuda
	Metal
)

func (k DeviceKind) String() string {
	switch k {
	case Cpu:
		return "cpu"
	case Cuda:
		return "cuda"
	case Metal:
		return "metal"
	default:
		return "unknown"
	}
}

// Device identifies a specific accelerator instance, e.g. Cuda(0).
type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) String() string {
	if d.Kind == Cpu {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Storage is the reference-counted backing buffer shared by slices and
// reshapes of the same underlying allocation.
type Storage struct {
	data   []byte
	device Device
	refs   int32
	pool   *Allocator
}

func newStorage(data []byte, device Device, pool *Allocator) *Storage {
	return &Storage{data: data, device: device, refs: 1, pool: pool}
}

func (s *Storage) retain() { atomic.AddInt32(&s.refs, 1) }

// release decrements the refcount and returns the backing bytes to the pool
// once the last reference is dropped.
func (s *Storage) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 && s.pool != nil {
		s.pool.free(s)
	}
}

// Tensor is a typed N-dim handle over device storage. Strides are always
// consistent with Shape (invariant from spec §3); zero value is not valid,
// construct via Alloc or a Backend op.
type Tensor struct {
	DType   DType
	Shape   []int64
	Strides []int64
	Device  Device
	offset  int64 // element offset into storage, for slices
	storage *Storage
}

// contiguousStrides computes row-major strides for shape.
func contiguousStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// NumElements returns the product of Shape.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// Bytes returns the raw backing slice, positioned at this tensor's offset.
// Writes through it are seen by every tensor sharing the storage.
func (t *Tensor) Bytes() []byte {
	off := t.offset * int64(t.DType.Size())
	return t.storage.data[off:]
}

// Retain increments the storage refcount; pairs with Release.
func (t *Tensor) Retain() { t.storage.retain() }

// Release decrements the storage refcount, freeing it to the owning
// Allocator once no tensor references it.
func (t *Tensor) Release() { t.storage.release() }

// Slice returns a view over [start,end) along the leading dimension,
// sharing storage with t (invariant: slicing never copies).
func (t *Tensor) Slice(start, end int64) (*Tensor, error) {
	if start < 0 || end > t.Shape[0] || start > end {
		return nil, fmt.Errorf("tensor: slice [%d:%d] out of bounds for dim0=%d", start, end, t.Shape[0])
	}
	shape := append([]int64{end - start}, t.Shape[1:]...)
	t.storage.retain()
	return &Tensor{
		DType:   t.DType,
		Shape:   shape,
		Strides: t.Strides,
		Device:  t.Device,
		offset:  t.offset + start*t.Strides[0],
		storage: t.storage,
	}, nil
}

// Reshape returns a view with a new shape over the same storage. Requires
// the same element count and that the tensor is contiguous.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	if n != t.NumElements() {
		return nil, fmt.Errorf("tensor: reshape element count mismatch: %d vs %d", n, t.NumElements())
	}
	t.storage.retain()
	return &Tensor{
		DType:   t.DType,
		Shape:   append([]int64{}, shape...),
		Strides: contiguousStrides(shape),
		Device:  t.Device,
		offset:  t.offset,
		storage: t.storage,
	}, nil
}

// requireSameDevice enforces the invariant that every kernel launches on
// the device owning all of its inputs (spec §4.1).
func requireSameDevice(ts ...*Tensor) error {
	if len(ts) == 0 {
		return nil
	}
	want := ts[0].Device
	for _, t := range ts[1:] {
		if t.Device != want {
			return fmt.Errorf("tensor: device mismatch: %s vs %s", want, t.Device)
		}
	}
	return nil
}
