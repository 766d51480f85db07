package bufferstream

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Writer accumulates one record. Objects call its methods from WriteFields.
type Writer struct {
	buf   []byte
	seen  map[Object]uint64
	depth int
}

func newWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

func (w *Writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

func (w *Writer) varint(v int64) { w.buf = binary.AppendVarint(w.buf, v) }

func (w *Writer) str(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) f32(f float32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(f)) }

func (w *Writer) f64(f float64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(f)) }

// WriteValue appends v with its type tag. Unsupported types fail with
// ErrUnsupportedType and leave the record unusable.
func (w *Writer) WriteValue(v any) error {
	w.depth++
	defer func() { w.depth-- }()
	if w.depth > MaxDepth {
		return ErrDepthExceeded
	}

	switch x := v.(type) {
	case nil:
		w.byte(tagNull)
	case bool:
		if x {
			w.byte(tagTrue)
		} else {
			w.byte(tagFalse)
		}
	case int8:
		w.byte(tagInt8)
		w.byte(byte(x))
	case int16:
		w.byte(tagInt16)
		w.varint(int64(x))
	case int32:
		w.byte(tagInt32)
		w.varint(int64(x))
	case int64:
		w.byte(tagInt64)
		w.varint(x)
	case int:
		w.byte(tagInt)
		w.varint(int64(x))
	case uint8:
		w.byte(tagUint8)
		w.byte(x)
	case uint16:
		w.byte(tagUint16)
		w.uvarint(uint64(x))
	case uint32:
		w.byte(tagUint32)
		w.uvarint(uint64(x))
	case uint64:
		w.byte(tagUint64)
		w.uvarint(x)
	case uint:
		w.byte(tagUint)
		w.uvarint(uint64(x))
	case float32:
		w.byte(tagFloat32)
		w.f32(x)
	case float64:
		w.byte(tagFloat64)
		w.f64(x)
	case Char:
		w.byte(tagChar)
		w.varint(int64(x))
	case string:
		w.byte(tagString)
		w.str(x)
	case []byte:
		w.byte(tagBytes)
		w.uvarint(uint64(len(x)))
		w.buf = append(w.buf, x...)
	case time.Time:
		w.byte(tagTime)
		t := x.UTC()
		w.varint(t.Unix())
		w.uvarint(uint64(t.Nanosecond()))
	case time.Duration:
		w.byte(tagDuration)
		w.varint(int64(x))
	case []int:
		w.byte(tagSliceInt)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			w.varint(int64(e))
		}
	case []int32:
		w.byte(tagSliceInt32)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			w.varint(int64(e))
		}
	case []int64:
		w.byte(tagSliceInt64)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			w.varint(e)
		}
	case []float32:
		w.byte(tagSliceFloat32)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			w.f32(e)
		}
	case []float64:
		w.byte(tagSliceFloat64)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			w.f64(e)
		}
	case []string:
		w.byte(tagSliceString)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			w.str(e)
		}
	case []bool:
		w.byte(tagSliceBool)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			if e {
				w.byte(1)
			} else {
				w.byte(0)
			}
		}
	case []any:
		w.byte(tagSliceAny)
		w.uvarint(uint64(len(x)))
		for _, e := range x {
			if err := w.WriteValue(e); err != nil {
				return err
			}
		}
	case map[any]any:
		w.byte(tagMapAny)
		w.uvarint(uint64(len(x)))
		for k, e := range x {
			if err := w.WriteValue(k); err != nil {
				return err
			}
			if err := w.WriteValue(e); err != nil {
				return err
			}
		}
	case map[string]any:
		w.byte(tagMapString)
		w.uvarint(uint64(len(x)))
		for k, e := range x {
			w.str(k)
			if err := w.WriteValue(e); err != nil {
				return err
			}
		}
	case Object:
		if isNil(x) {
			w.byte(tagNull)
			return nil
		}
		return w.writeObject(x)
	case Enum:
		if isNil(x) {
			w.byte(tagNull)
			return nil
		}
		w.byte(tagEnum)
		w.str(x.EnumName())
		w.varint(int64(x.Ordinal()))
	default:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Slice {
			return w.writeNested(rv)
		}
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

// isNil reports whether v holds a nil pointer, map or slice.
func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// writeObject interns o: the first occurrence is written in full, later
// ones as a back-reference to the ordinal assigned here.
func (w *Writer) writeObject(o Object) error {
	if ord, ok := w.seen[o]; ok {
		w.byte(tagBackRef)
		w.uvarint(ord)
		return nil
	}
	if w.seen == nil {
		w.seen = make(map[Object]uint64)
	}
	w.seen[o] = uint64(len(w.seen))
	w.byte(tagObject)
	w.str(o.TypeName())
	if err := o.WriteFields(w); err != nil {
		return fmt.Errorf("writing %s: %w", o.TypeName(), err)
	}
	return nil
}

// WriteString and friends are typed shorthands for WriteValue, convenient in
// WriteFields implementations.
func (w *Writer) WriteString(s string) error { return w.WriteValue(s) }
func (w *Writer) WriteInt(v int) error { return w.WriteValue(v) }
func (w *Writer) WriteInt64(v int64) error { return w.WriteValue(v) }
func (w *Writer) WriteUint64(v uint64) error { return w.WriteValue(v) }
func (w *Writer) WriteBool(v bool) error { return w.WriteValue(v) }
func (w *Writer) WriteBytes(v []byte) error { return w.WriteValue(v) }
func (w *Writer) WriteTime(v time.Time) error { return w.WriteValue(v) }
func (w *Writer) WriteFloat64(v float64) error { return w.WriteValue(v) }
