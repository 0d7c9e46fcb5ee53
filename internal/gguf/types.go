// Package gguf implements the on-disk weight loader (spec §4.1): parsing
// GGUF-format checkpoints into internal/model.Weights, plus a safetensors
// fallback for dense (non-GGUF) checkpoints. Grounded on
// gpustack-gguf-parser-go's file.go/ggml.go, generalized from a read-only
// inspection tool into a full Parse/Serialize round trip (spec §8).
package gguf

import "fmt"

// Magic identifies the GGUF container. Legacy ggml/ggmf/ggjt magics are
// rejected outright; this loader only ever produced or reads "GGUF".
type Magic uint32

const (
	MagicGGUFLittleEndian Magic = 0x46554747 // "GGUF" read as little-endian uint32
	MagicGGUFBigEndian    Magic = 0x47475546 // same 4 bytes, big-endian reader

	magicGGML Magic = 0x6c6d6767 // "ggml" read as little-endian uint32
	magicGGMF Magic = 0x666d6767 // "ggmf"
	magicGGJT Magic = 0x746a6767 // "ggjt"
)

// Version is the GGUF container version. V1 stores tensor/KV counts as
// uint32; V2 and V3 promote them to uint64.
type Version uint32

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
)

// ValueType tags the payload of a metadata KV entry.
type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeInt8:
		return "int8"
	case TypeUint16:
		return "uint16"
	case TypeInt16:
		return "int16"
	case TypeUint32:
		return "uint32"
	case TypeInt32:
		return "int32"
	case TypeFloat32:
		return "float32"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeUint64:
		return "uint64"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	default:
		return fmt.Sprintf("value_type(%d)", uint32(t))
	}
}

// scalarSize returns the on-disk width of a scalar value type, or 0 for
// String/Array (variable length, handled separately).
func (t ValueType) scalarSize() int {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// KV is one metadata entry. Value holds a scalar Go value (uint8, int8,
// uint16, int16, uint32, int32, float32, bool, string, uint64, int64,
// float64) or, for TypeArray, an ArrayValue.
type KV struct {
	Key   string
	Type  ValueType
	Value any
}

// ArrayValue is the payload of a TypeArray KV: a homogeneous run of
// Elem-typed scalars. Nested arrays are not decoded: readScalar rejects
// a TypeArray element type.
type ArrayValue struct {
	Elem ValueType
	Len  uint64
	Vals []any
}

// TensorInfo describes one tensor's name, shape, storage type and byte
// offset into the file's data segment (relative to the segment start,
// aligned per Header.Alignment).
type TensorInfo struct {
	Name   string
	NDims  uint32
	Dims   []uint64 // len == NDims, fastest-varying dimension first
	Type   GGMLType
	Offset uint64
}

// NumElements returns the tensor's total element count.
func (ti *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range ti.Dims {
		n *= d
	}
	return n
}

// Header is the fixed-layout file prologue.
type Header struct {
	Magic           Magic
	Version         Version
	TensorCount     uint64
	MetadataKVCount uint64
}

// File is a fully parsed GGUF container: header, metadata, tensor table,
// and the raw tensor data segment (still block-quantized, untouched).
type File struct {
	Header    Header
	Metadata  []KV
	Tensors   []TensorInfo
	Alignment uint64 // general.alignment, default 32
	Data      []byte // raw bytes of the data segment, tensor offsets are relative to this
}

// Find returns the KV entry with the given key, or nil.
func (f *File) Find(key string) *KV {
	for i := range f.Metadata {
		if f.Metadata[i].Key == key {
			return &f.Metadata[i]
		}
	}
	return nil
}

// String returns key's string value, or "" with ok=false if absent or
// not a string.
func (f *File) String(key string) (string, bool) {
	kv := f.Find(key)
	if kv == nil || kv.Type != TypeString {
		return "", false
	}
	s, ok := kv.Value.(string)
	return s, ok
}

// Uint32 returns key's value coerced to uint32, covering every integer
// KV width GGUF allows for a scalar count/length field.
func (f *File) Uint32(key string) (uint32, bool) {
	kv := f.Find(key)
	if kv == nil {
		return 0, false
	}
	switch v := kv.Value.(type) {
	case uint8:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	case uint32:
		return v, true
	case int32:
		return uint32(v), true
	case uint64:
		return uint32(v), true
	case int64:
		return uint32(v), true
	default:
		return 0, false
	}
}

// Float32 returns key's value coerced to float32.
func (f *File) Float32(key string) (float32, bool) {
	kv := f.Find(key)
	if kv == nil {
		return 0, false
	}
	switch v := kv.Value.(type) {
	case float32:
		return v, true
	case float64:
		return float32(v), true
	default:
		return 0, false
	}
}

// Bool returns key's value as a bool.
func (f *File) Bool(key string) (bool, bool) {
	kv := f.Find(key)
	if kv == nil || kv.Type != TypeBool {
		return false, false
	}
	b, ok := kv.Value.(bool)
	return b, ok
}
