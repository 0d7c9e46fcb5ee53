package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
)

// reader wraps the binary decode state parseGGUFFile threads through its
// nested _GGUFMetadataReader/_GGUFTensorInfoReader helpers: byte order and
// version (V1 promotes every count field from uint32).
type reader struct {
	r  io.Reader
	bo binary.ByteOrder
	v  Version
}

// count reads a single length/count field, 32-bit on V1 and 64-bit on
// V2/V3 (ReadUint64FromUint32 in the reference parser).
func (rd *reader) count() (uint64, error) {
	if rd.v == V1 {
		var n uint32
		if err := binary.Read(rd.r, rd.bo, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	}
	var n uint64
	if err := binary.Read(rd.r, rd.bo, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (rd *reader) readString() (string, error) {
	n, err := rd.count()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (rd *reader) readScalar(t ValueType) (any, error) {
	switch t {
	case TypeUint8:
		var v uint8
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeInt8:
		var v int8
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeUint16:
		var v uint16
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeInt16:
		var v int16
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeUint32:
		var v uint32
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeInt32:
		var v int32
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeFloat32:
		var v float32
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeBool:
		var v uint8
		err := binary.Read(rd.r, rd.bo, &v)
		return v != 0, err
	case TypeUint64:
		var v uint64
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeInt64:
		var v int64
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeFloat64:
		var v float64
		err := binary.Read(rd.r, rd.bo, &v)
		return v, err
	case TypeString:
		return rd.readString()
	default:
		return nil, fmt.Errorf("gguf: unknown scalar value type %s", t)
	}
}

func (rd *reader) readKV() (KV, error) {
	key, err := rd.readString()
	if err != nil {
		return KV{}, fmt.Errorf("key: %w", err)
	}
	var rawType uint32
	if err := binary.Read(rd.r, rd.bo, &rawType); err != nil {
		return KV{}, fmt.Errorf("%s: type: %w", key, err)
	}
	t := ValueType(rawType)

	if t != TypeArray {
		val, err := rd.readScalar(t)
		if err != nil {
			return KV{}, fmt.Errorf("%s: value: %w", key, err)
		}
		return KV{Key: key, Type: t, Value: val}, nil
	}

	var rawElem uint32
	if err := binary.Read(rd.r, rd.bo, &rawElem); err != nil {
		return KV{}, fmt.Errorf("%s: array elem type: %w", key, err)
	}
	elem := ValueType(rawElem)
	n, err := rd.count()
	if err != nil {
		return KV{}, fmt.Errorf("%s: array len: %w", key, err)
	}
	vals := make([]any, n)
	for i := range vals {
		v, err := rd.readScalar(elem)
		if err != nil {
			return KV{}, fmt.Errorf("%s: array[%d]: %w", key, i, err)
		}
		vals[i] = v
	}
	return KV{Key: key, Type: t, Value: ArrayValue{Elem: elem, Len: n, Vals: vals}}, nil
}

func (rd *reader) readTensorInfo() (TensorInfo, error) {
	name, err := rd.readString()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("name: %w", err)
	}
	var nDims uint32
	if err := binary.Read(rd.r, rd.bo, &nDims); err != nil {
		return TensorInfo{}, fmt.Errorf("%s: ndims: %w", name, err)
	}
	dims := make([]uint64, nDims)
	for i := range dims {
		d, err := rd.count()
		if err != nil {
			return TensorInfo{}, fmt.Errorf("%s: dim[%d]: %w", name, i, err)
		}
		dims[i] = d
	}
	var rawType uint32
	if err := binary.Read(rd.r, rd.bo, &rawType); err != nil {
		return TensorInfo{}, fmt.Errorf("%s: type: %w", name, err)
	}
	var offset uint64
	if err := binary.Read(rd.r, rd.bo, &offset); err != nil {
		return TensorInfo{}, fmt.Errorf("%s: offset: %w", name, err)
	}
	return TensorInfo{Name: name, NDims: nDims, Dims: dims, Type: GGMLType(rawType), Offset: offset}, nil
}

// writer is Serialize's counterpart to reader.
type writer struct {
	w  io.Writer
	bo binary.ByteOrder
	v  Version
}

func (w *writer) count(n uint64) error {
	if w.v == V1 {
		return binary.Write(w.w, w.bo, uint32(n))
	}
	return binary.Write(w.w, w.bo, n)
}

func (w *writer) writeString(s string) error {
	if err := w.count(uint64(len(s))); err != nil {
		return err
	}
	_, err := w.w.Write([]byte(s))
	return err
}

func (w *writer) writeScalar(t ValueType, v any) error {
	if t == TypeString {
		return w.writeString(v.(string))
	}
	if t == TypeBool {
		b := uint8(0)
		if v.(bool) {
			b = 1
		}
		return binary.Write(w.w, w.bo, b)
	}
	return binary.Write(w.w, w.bo, v)
}

func (w *writer) writeKV(kv KV) error {
	if err := w.writeString(kv.Key); err != nil {
		return err
	}
	if err := binary.Write(w.w, w.bo, uint32(kv.Type)); err != nil {
		return err
	}
	if kv.Type != TypeArray {
		return w.writeScalar(kv.Type, kv.Value)
	}
	arr := kv.Value.(ArrayValue)
	if err := binary.Write(w.w, w.bo, uint32(arr.Elem)); err != nil {
		return err
	}
	if err := w.count(arr.Len); err != nil {
		return err
	}
	for _, v := range arr.Vals {
		if err := w.writeScalar(arr.Elem, v); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) writeTensorInfo(ti TensorInfo) error {
	if err := w.writeString(ti.Name); err != nil {
		return err
	}
	if err := binary.Write(w.w, w.bo, ti.NDims); err != nil {
		return err
	}
	for _, d := range ti.Dims {
		if err := w.count(d); err != nil {
			return err
		}
	}
	if err := binary.Write(w.w, w.bo, uint32(ti.Type)); err != nil {
		return err
	}
	return binary.Write(w.w, w.bo, ti.Offset)
}
