package gguf

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/smallnest/ringbuffer"
)

const defaultAlignment = 32

// dataSegmentRingSize bounds how much of the tensor-data segment is ever
// in flight between the source reader and the growing f.Data buffer, the
// same bounded-copy shape as gguf-parser-go's httpx.SeekerFile, sized for
// chunked reads over a slow or remote source rather than a single
// unbounded io.ReadAll.
const dataSegmentRingSize = 4 << 20

// Parse reads a complete GGUF file from r, following the same byte-order
// detection and field sequence as gguf-parser-go's parseGGUFFile: magic,
// version, tensor/KV counts (V1 promotes 32-bit counts), metadata KV
// array, tensor info array, then the aligned data segment.
func Parse(r io.ReadSeeker) (*File, error) {
	var rawMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &rawMagic); err != nil {
		return nil, fmt.Errorf("gguf: read magic: %w", err)
	}

	var bo binary.ByteOrder = binary.LittleEndian
	switch Magic(rawMagic) {
	case MagicGGUFLittleEndian:
		bo = binary.LittleEndian
	case MagicGGUFBigEndian:
		bo = binary.BigEndian
	case magicGGML, magicGGMF, magicGGJT:
		return nil, fmt.Errorf("gguf: legacy ggml/ggmf/ggjt container is not supported")
	default:
		return nil, fmt.Errorf("gguf: bad magic %08x", rawMagic)
	}

	f := &File{Header: Header{Magic: Magic(rawMagic)}, Alignment: defaultAlignment}
	var version uint32
	if err := binary.Read(r, bo, &version); err != nil {
		return nil, fmt.Errorf("gguf: read version: %w", err)
	}
	f.Header.Version = Version(version)

	rd := &reader{r: r, bo: bo, v: f.Header.Version}

	tensorCount, err := rd.count()
	if err != nil {
		return nil, fmt.Errorf("gguf: read tensor count: %w", err)
	}
	f.Header.TensorCount = tensorCount

	kvCount, err := rd.count()
	if err != nil {
		return nil, fmt.Errorf("gguf: read metadata kv count: %w", err)
	}
	f.Header.MetadataKVCount = kvCount

	f.Metadata = make([]KV, kvCount)
	for i := range f.Metadata {
		kv, err := rd.readKV()
		if err != nil {
			return nil, fmt.Errorf("gguf: metadata kv %d: %w", i, err)
		}
		f.Metadata[i] = kv
	}
	if align, ok := f.Uint32("general.alignment"); ok && align > 0 {
		f.Alignment = uint64(align)
	}

	f.Tensors = make([]TensorInfo, tensorCount)
	for i := range f.Tensors {
		ti, err := rd.readTensorInfo()
		if err != nil {
			return nil, fmt.Errorf("gguf: tensor info %d: %w", i, err)
		}
		f.Tensors[i] = ti
	}

	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("gguf: locate data segment: %w", err)
	}
	if pad := uint64(pos) % f.Alignment; pad != 0 {
		if _, err := r.Seek(int64(f.Alignment-pad), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("gguf: align data segment: %w", err)
		}
	}
	data, err := readDataSegment(r)
	if err != nil {
		return nil, fmt.Errorf("gguf: read data segment: %w", err)
	}
	f.Data = data
	return f, nil
}

// readDataSegment copies the remainder of r one dataSegmentRingSize
// chunk at a time through a ring buffer (fill, then fully drain, then
// repeat — the same round trip gguf-parser-go's httpx.SeekerFile.sync
// does against a fresh Range response), rather than one unbounded
// io.ReadAll. The tensor-info table still addresses the result by
// absolute byte offset (tensorBytes), so the copy's destination is a
// plain growing slice; only the amount in flight per chunk is bounded,
// which is what matters when r is a remote/chunked source rather than a
// local file.
func readDataSegment(r io.Reader) ([]byte, error) {
	rb := ringbuffer.New(dataSegmentRingSize)
	chunk := make([]byte, dataSegmentRingSize)
	var out []byte

	for {
		n, readErr := io.ReadFull(r, chunk)
		if n > 0 {
			rb.Reset()
			if _, err := rb.Write(chunk[:n]); err != nil {
				return nil, fmt.Errorf("fill ring buffer: %w", err)
			}
			drained := make([]byte, n)
			if _, err := io.ReadFull(rb, drained); err != nil {
				return nil, fmt.Errorf("drain ring buffer: %w", err)
			}
			out = append(out, drained...)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}
	return out, nil
}

// Serialize writes f back out in the same layout Parse reads, so that
// Parse(Serialize(f)) reproduces f byte-for-byte (spec §8 round trip).
func (f *File) Serialize(out io.Writer) error {
	bo := binary.ByteOrder(binary.LittleEndian)
	if f.Header.Magic == MagicGGUFBigEndian {
		bo = binary.BigEndian
	}
	w := &countingWriter{w: out}
	if err := binary.Write(w, bo, uint32(f.Header.Magic)); err != nil {
		return err
	}
	if err := binary.Write(w, bo, uint32(f.Header.Version)); err != nil {
		return err
	}
	wr := &writer{w: w, bo: bo, v: f.Header.Version}
	if err := wr.count(uint64(len(f.Tensors))); err != nil {
		return err
	}
	if err := wr.count(uint64(len(f.Metadata))); err != nil {
		return err
	}
	for _, kv := range f.Metadata {
		if err := wr.writeKV(kv); err != nil {
			return err
		}
	}
	for _, ti := range f.Tensors {
		if err := wr.writeTensorInfo(ti); err != nil {
			return err
		}
	}

	align := f.Alignment
	if align == 0 {
		align = defaultAlignment
	}
	if pad := w.n % align; pad != 0 {
		if _, err := w.Write(make([]byte, align-pad)); err != nil {
			return err
		}
	}
	_, err := w.Write(f.Data)
	return err
}

// countingWriter tracks total bytes written so Serialize can compute the
// data segment's alignment padding without a second pass.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
