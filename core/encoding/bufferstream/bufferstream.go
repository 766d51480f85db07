package bufferstream

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
)

const scratchSize = 512

// Marshal encodes v into a new record using the types registered in r.
func (r *Registry) Marshal(v any) ([]byte, error) {
	return r.AppendMarshal(nil, v)
}

// AppendMarshal appends the record for v to dst.
func (r *Registry) AppendMarshal(dst []byte, v any) ([]byte, error) {
	scratch := bufferpool.Default.Get(scratchSize)[:0]
	w := newWriter(scratch)
	w.byte(formatVersion)
	if err := w.WriteValue(v); err != nil {
		bufferpool.Default.Put(w.buf)
		return dst, err
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, xxhash.Sum64(w.buf))

	dst = append(dst, w.buf...)
	bufferpool.Default.Put(w.buf)
	return dst, nil
}

// Unmarshal validates the checksum of data and decodes the value it holds.
// The result never aliases data.
func (r *Registry) Unmarshal(data []byte) (any, error) {
	if len(data) < 2+checksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	body := data[:len(data)-checksumSize]
	want := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	if got := xxhash.Sum64(body); got != want {
		return nil, fmt.Errorf("%w: stored %016x, computed %016x", ErrChecksumMismatch, want, got)
	}
	if body[0] != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, body[0])
	}

	rd := newReader(body[1:], r)
	v, err := rd.ReadValue()
	if err != nil {
		return nil, err
	}
	if rd.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, rd.remaining())
	}
	return v, nil
}

// Serialize encodes v with DefaultRegistry.
func Serialize(v any) ([]byte, error) { return DefaultRegistry.Marshal(v) }

// Deserialize decodes data with DefaultRegistry.
func Deserialize(data []byte) (any, error) { return DefaultRegistry.Unmarshal(data) }

// DeserializeAs decodes data and asserts the result to T. A null record
// decodes as the zero value of T.
func DeserializeAs[T any](r *Registry, data []byte) (T, error) {
	var zero T
	v, err := r.Unmarshal(data)
	if err != nil || v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: want %T, got %T", ErrTypeMismatch, zero, v)
	}
	return t, nil
}
