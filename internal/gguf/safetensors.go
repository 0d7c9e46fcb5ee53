package gguf

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/localmind/localmind/internal/tensor"
)

// safetensorsEntry is one tensor's entry in the JSON header safetensors
// prefixes every file with (one entry per tensor plus an optional
// "__metadata__" string map).
// No example repo in this build's lineage wires a safetensors library —
// the format is an 8-byte length-prefixed JSON header followed by a flat
// byte blob, simple enough that encoding/json against the documented
// layout is the grounded choice rather than an unneeded dependency.
type safetensorsEntry struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadSafetensors reads a dense (non-GGUF) checkpoint into F32 tensors
// keyed by tensor name. Load does not call it: a file without a GGUF
// magic fails in Parse, and nothing builds a model.Model from this map.
func LoadSafetensors(path string, alloc *tensor.Allocator) (map[string]*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: open %s: %w", path, err)
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("safetensors: read header length: %w", err)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return nil, fmt.Errorf("safetensors: read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBuf, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: decode header: %w", err)
	}
	delete(raw, "__metadata__")

	names := make([]string, 0, len(raw))
	entries := make(map[string]safetensorsEntry, len(raw))
	for name, msg := range raw {
		var e safetensorsEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		entries[name] = e
		names = append(names, name)
	}
	sort.Strings(names) // deterministic load order

	body := make([]byte, 0)
	if rest, err := readAll(f); err == nil {
		body = rest
	} else {
		return nil, fmt.Errorf("safetensors: read data: %w", err)
	}

	out := make(map[string]*tensor.Tensor, len(names))
	for _, name := range names {
		e := entries[name]
		start, end := e.DataOffsets[0], e.DataOffsets[1]
		if end > int64(len(body)) || start < 0 || start > end {
			return nil, fmt.Errorf("safetensors: tensor %s: bad data offsets %v", name, e.DataOffsets)
		}
		raw := body[start:end]
		vals, err := decodeSafetensorsDType(e.DType, raw)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		t, err := alloc.Alloc(e.Shape, tensor.F32)
		if err != nil {
			return nil, err
		}
		tensor.WriteF32(t, vals)
		out[name] = t
	}
	return out, nil
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size()-pos)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeSafetensorsDType(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		return readF32LE(raw), nil
	case "F16":
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case "BF16":
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported safetensors dtype %q", dtype)
	}
}
