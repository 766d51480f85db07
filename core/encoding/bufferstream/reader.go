package bufferstream

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Reader decodes one record. Objects call its methods from ReadFields.
type Reader struct {
	buf      []byte
	pos      int
	registry *Registry
	arena    []Object
	depth    int
}

func newReader(buf []byte, registry *Registry) *Reader {
	return &Reader{buf: buf, registry: registry}
}

func (r *Reader) remaining() int { return len(r.buf) - r.pos }

func (r *Reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.pos += n
	return v, nil
}

func (r *Reader) varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.pos += n
	return v, nil
}

// count reads a length prefix and checks that at least count*minSize bytes
// remain, so malformed input cannot force a huge allocation.
func (r *Reader) count(minSize int) (int, error) {
	n, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if minSize > 0 && n > uint64(r.remaining()/minSize) {
		return 0, fmt.Errorf("%w: length %d exceeds record", ErrTruncated, n)
	}
	if minSize == 0 && n > uint64(r.remaining()) {
		return 0, fmt.Errorf("%w: length %d exceeds record", ErrTruncated, n)
	}
	return int(n), nil
}

func (r *Reader) raw(n int) ([]byte, error) {
	if n > r.remaining() {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) str() (string, error) {
	n, err := r.count(1)
	if err != nil {
		return "", err
	}
	b, err := r.raw(n)
	return string(b), err
}

func (r *Reader) f32() (float32, error) {
	b, err := r.raw(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) f64() (float64, error) {
	b, err := r.raw(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// ReadValue decodes the next tagged value.
func (r *Reader) ReadValue() (any, error) {
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > MaxDepth {
		return nil, ErrDepthExceeded
	}

	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt8:
		b, err := r.byte()
		return int8(b), err
	case tagInt16:
		v, err := r.varint()
		return int16(v), err
	case tagInt32:
		v, err := r.varint()
		return int32(v), err
	case tagInt64:
		return r.varint()
	case tagInt:
		v, err := r.varint()
		return int(v), err
	case tagUint8:
		return r.byte()
	case tagUint16:
		v, err := r.uvarint()
		return uint16(v), err
	case tagUint32:
		v, err := r.uvarint()
		return uint32(v), err
	case tagUint64:
		return r.uvarint()
	case tagUint:
		v, err := r.uvarint()
		return uint(v), err
	case tagFloat32:
		return r.f32()
	case tagFloat64:
		return r.f64()
	case tagChar:
		v, err := r.varint()
		return Char(v), err
	case tagString:
		return r.str()
	case tagBytes:
		n, err := r.count(0)
		if err != nil {
			return nil, err
		}
		b, err := r.raw(n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	case tagTime:
		sec, err := r.varint()
		if err != nil {
			return nil, err
		}
		nsec, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		return time.Unix(sec, int64(nsec)).UTC(), nil
	case tagDuration:
		v, err := r.varint()
		return time.Duration(v), err
	case tagSliceInt:
		return readSlice(r, 1, func() (int, error) { v, err := r.varint(); return int(v), err })
	case tagSliceInt32:
		return readSlice(r, 1, func() (int32, error) { v, err := r.varint(); return int32(v), err })
	case tagSliceInt64:
		return readSlice(r, 1, r.varint)
	case tagSliceFloat32:
		return readSlice(r, 4, r.f32)
	case tagSliceFloat64:
		return readSlice(r, 8, r.f64)
	case tagSliceString:
		return readSlice(r, 1, r.str)
	case tagSliceBool:
		return readSlice(r, 1, func() (bool, error) { b, err := r.byte(); return b != 0, err })
	case tagSliceAny:
		return readSlice(r, 1, r.ReadValue)
	case tagMapAny:
		return r.readMapAny()
	case tagMapString:
		return r.readMapString()
	case tagObject:
		return r.readObject()
	case tagSliceNested:
		return r.readNested()
	case tagBackRef:
		ord, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if ord >= uint64(len(r.arena)) {
			return nil, fmt.Errorf("%w: ordinal %d of %d", ErrBadBackRef, ord, len(r.arena))
		}
		return r.arena[ord], nil
	case tagEnum:
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		ord, err := r.varint()
		if err != nil {
			return nil, err
		}
		return r.registry.enum(name, int(ord))
	default:
		return nil, fmt.Errorf("%w: 0x%02x at offset %d", ErrUnknownTag, tag, r.pos-1)
	}
}

func readSlice[T any](r *Reader, minSize int, elem func() (T, error)) ([]T, error) {
	n, err := r.count(minSize)
	if err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		if out[i], err = elem(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) readMapAny() (map[any]any, error) {
	n, err := r.count(2)
	if err != nil {
		return nil, err
	}
	m := make(map[any]any, n)
	for i := 0; i < n; i++ {
		k, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		if !hashable(k) {
			return nil, fmt.Errorf("%w: %T", ErrInvalidMapKey, k)
		}
		v, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (r *Reader) readMapString() (map[string]any, error) {
	n, err := r.count(2)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// readObject registers the new instance in the arena before its fields are
// decoded, so back-references from inside the object resolve to it.
func (r *Reader) readObject() (Object, error) {
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	o, err := r.registry.newObject(name)
	if err != nil {
		return nil, err
	}
	r.arena = append(r.arena, o)
	if err := o.ReadFields(r); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return o, nil
}

// hashable reports whether a decoded value may be used as a map key.
func hashable(v any) bool {
	t := reflect.TypeOf(v)
	return t == nil || t.Comparable()
}

func readAs[T any](r *Reader) (T, error) {
	var zero T
	v, err := r.ReadValue()
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: want %T, got %T", ErrTypeMismatch, zero, v)
	}
	return t, nil
}

// ReadString and friends decode the next value and check its type.
func (r *Reader) ReadString() (string, error) { return readAs[string](r) }
func (r *Reader) ReadInt() (int, error) { return readAs[int](r) }
func (r *Reader) ReadInt64() (int64, error) { return readAs[int64](r) }
func (r *Reader) ReadUint64() (uint64, error) { return readAs[uint64](r) }
func (r *Reader) ReadBool() (bool, error) { return readAs[bool](r) }
func (r *Reader) ReadTime() (time.Time, error) { return readAs[time.Time](r) }
func (r *Reader) ReadFloat64() (float64, error) { return readAs[float64](r) }

// ReadBytes accepts null as an empty value.
func (r *Reader) ReadBytes() ([]byte, error) {
	v, err := r.ReadValue()
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: want []byte, got %T", ErrTypeMismatch, v)
	}
	return b, nil
}
