package bufferstream

import (
	"fmt"
	"reflect"
)

// A nested slice is written as
//
//	tagSliceNested, then one more tagSliceNested per extra level, then the
//	tag of the innermost typed slice, the element count, and each element
//	as a tagged value.
//
// [][]int32 is therefore descriptor [tagSliceNested tagSliceInt32] followed
// by its rows, each an ordinary tagSliceInt32 value.

// sliceTypes maps the tag of each flat slice type to the Go type it decodes to.
var sliceTypes = map[byte]reflect.Type{
	tagBytes:        reflect.TypeOf([]byte(nil)),
	tagSliceInt:     reflect.TypeOf([]int(nil)),
	tagSliceInt32:   reflect.TypeOf([]int32(nil)),
	tagSliceInt64:   reflect.TypeOf([]int64(nil)),
	tagSliceFloat32: reflect.TypeOf([]float32(nil)),
	tagSliceFloat64: reflect.TypeOf([]float64(nil)),
	tagSliceString:  reflect.TypeOf([]string(nil)),
	tagSliceBool:    reflect.TypeOf([]bool(nil)),
	tagSliceAny:     reflect.TypeOf([]any(nil)),
}

var sliceTags = func() map[reflect.Type]byte {
	m := make(map[reflect.Type]byte, len(sliceTypes))
	for tag, t := range sliceTypes {
		m[t] = tag
	}
	return m
}()

// nestedDescriptor returns the descriptor bytes for slices whose elements
// have type elem, or false when elem does not bottom out in a flat slice type.
func nestedDescriptor(elem reflect.Type) ([]byte, bool) {
	var desc []byte
	for len(desc) < MaxDepth {
		if tag, ok := sliceTags[elem]; ok {
			return append(desc, tag), true
		}
		if elem.Kind() != reflect.Slice {
			return nil, false
		}
		desc = append(desc, tagSliceNested)
		elem = elem.Elem()
	}
	return nil, false
}

func (w *Writer) writeNested(rv reflect.Value) error {
	desc, ok := nestedDescriptor(rv.Type().Elem())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
	}
	w.byte(tagSliceNested)
	w.buf = append(w.buf, desc...)
	w.uvarint(uint64(rv.Len()))
	for i := 0; i < rv.Len(); i++ {
		if err := w.WriteValue(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// nestedElem reads a descriptor and returns the element type it names.
func (r *Reader) nestedElem() (reflect.Type, error) {
	levels := 0
	for {
		tag, err := r.byte()
		if err != nil {
			return nil, err
		}
		if t, ok := sliceTypes[tag]; ok {
			for ; levels > 0; levels-- {
				t = reflect.SliceOf(t)
			}
			return t, nil
		}
		if tag != tagSliceNested {
			return nil, fmt.Errorf("%w: 0x%02x in nested slice descriptor at offset %d", ErrUnknownTag, tag, r.pos-1)
		}
		levels++
		if r.depth+levels > MaxDepth {
			return nil, ErrDepthExceeded
		}
	}
}

func (r *Reader) readNested() (any, error) {
	elem, err := r.nestedElem()
	if err != nil {
		return nil, err
	}
	n, err := r.count(1)
	if err != nil {
		return nil, err
	}
	out := reflect.MakeSlice(reflect.SliceOf(elem), n, n)
	for i := 0; i < n; i++ {
		v, err := r.ReadValue()
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		ev := reflect.ValueOf(v)
		if ev.Type() != elem {
			return nil, fmt.Errorf("%w: want %s, got %T", ErrTypeMismatch, elem, v)
		}
		out.Index(i).Set(ev)
	}
	return out.Interface(), nil
}
