package skiplist

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"time"

	"github.com/sushant-115/gojostore/core/encoding/bufferstream"
)

// Order defines the comparison function for keys.
// It should return:
//   - a negative value if a < b
//   - zero if a == b
//   - a positive value if a > b
type Order[K any] func(a, b K) int

// DefaultKeyOrder provides a default comparator for standard ordered types.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// Codec converts keys or values to and from their stored form.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// BufferStreamCodec stores values as bufferstream records, so any type the
// registry can encode may be used as a key or value.
func BufferStreamCodec[T any](reg *bufferstream.Registry) Codec[T] {
	if reg == nil {
		reg = bufferstream.DefaultRegistry
	}
	return Codec[T]{
		Encode: func(v T) ([]byte, error) { return reg.Marshal(v) },
		Decode: func(b []byte) (T, error) { return bufferstream.DeserializeAs[T](reg, b) },
	}
}

// Type ranks used by CompareAny. Values of different kinds order by rank.
const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankBytes
	rankTime
	rankOther
)

// CompareAny orders heterogeneous keys: null first, then booleans, numbers
// (compared by value across widths), strings, byte slices and times. Other
// kinds compare by their formatted representation.
func CompareAny(a, b any) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case rankNull:
		return 0
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return cmp.Compare(a.(string), b.(string))
	case rankBytes:
		return bytes.Compare(a.([]byte), b.([]byte))
	case rankTime:
		return a.(time.Time).Compare(b.(time.Time))
	default:
		return cmp.Compare(fmt.Sprintf("%T:%v", a, a), fmt.Sprintf("%T:%v", b, b))
	}
}

func rankOf(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bufferstream.Char:
		return rankNumber
	case string:
		return rankString
	case []byte:
		return rankBytes
	case time.Time:
		return rankTime
	default:
		return rankOther
	}
}

// compareNumbers compares integers of any width and signedness exactly, and
// integers against floats without rounding the integer to float64.
func compareNumbers(a, b any) int {
	ai, aSigned, aInt := asInteger(a)
	bi, bSigned, bInt := asInteger(b)
	switch {
	case aInt && bInt:
		switch {
		case aSigned && bSigned:
			return cmp.Compare(int64(ai), int64(bi))
		case !aSigned && !bSigned:
			return cmp.Compare(ai, bi)
		case aSigned: // a signed, b unsigned
			if int64(ai) < 0 {
				return -1
			}
			return cmp.Compare(ai, bi)
		default:
			if int64(bi) < 0 {
				return 1
			}
			return cmp.Compare(ai, bi)
		}
	case aInt:
		return compareIntFloat(ai, aSigned, asFloat(b))
	case bInt:
		return -compareIntFloat(bi, bSigned, asFloat(a))
	}
	return cmp.Compare(asFloat(a), asFloat(b))
}

// compareIntFloat compares the integer in bits with f. The integer part of f
// is compared as an integer and its fraction breaks ties. NaN sorts before
// every integer, matching cmp.Compare.
func compareIntFloat(bits uint64, signed bool, f float64) int {
	if math.IsNaN(f) {
		return 1
	}
	t := math.Trunc(f)
	var c int
	if signed && int64(bits) < 0 {
		switch {
		case t >= 0:
			return -1
		case t < -(1 << 63):
			return 1
		}
		c = cmp.Compare(int64(bits), int64(t))
	} else {
		switch {
		case t < 0:
			return 1
		case t >= 1<<64:
			return -1
		}
		c = cmp.Compare(bits, uint64(t))
	}
	if c != 0 {
		return c
	}
	switch {
	case f > t:
		return -1
	case f < t:
		return 1
	}
	return 0
}

func asInteger(v any) (bits uint64, signed, ok bool) {
	switch x := v.(type) {
	case int:
		return uint64(x), true, true
	case int8:
		return uint64(x), true, true
	case int16:
		return uint64(x), true, true
	case int32:
		return uint64(x), true, true
	case int64:
		return uint64(x), true, true
	case bufferstream.Char:
		return uint64(x), true, true
	case uint:
		return uint64(x), false, true
	case uint8:
		return uint64(x), false, true
	case uint16:
		return uint64(x), false, true
	case uint32:
		return uint64(x), false, true
	case uint64:
		return x, false, true
	}
	return 0, false, false
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}
