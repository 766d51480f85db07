// Package bufferstream encodes value graphs into self-describing,
// checksummed records.
//
// A record is laid out as
//
//	[version u8][tagged value][xxhash64 of everything before it, u64 LE]
//
// Every value starts with a one-byte tag. Objects seen earlier in the same
// record are emitted as a back-reference to their ordinal, which is what
// lets parent/child back-pointers survive a round trip.
package bufferstream

import "errors"

const (
	formatVersion byte = 1
	checksumSize       = 8

	// MaxDepth bounds nesting of containers and objects.
	MaxDepth = 256
)

// Type tags. The numeric values are part of the on-disk format.
const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagInt8
	tagInt16
	tagInt32
	tagInt64
	tagInt
	tagUint8
	tagUint16
	tagUint32
	tagUint64
	tagUint
	tagFloat32
	tagFloat64
	tagChar
	tagString
	tagBytes
	tagTime
	tagDuration
	tagSliceInt
	tagSliceInt32
	tagSliceInt64
	tagSliceFloat32
	tagSliceFloat64
	tagSliceString
	tagSliceBool
	tagSliceAny
	tagMapAny
	tagMapString
	tagObject
	tagBackRef
	tagEnum
	tagSliceNested

	tagLimit // first unassigned tag
)

// Char is a single character. It is encoded under its own tag so it does not
// decode as an int32.
type Char rune

func (c Char) String() string { return string(rune(c)) }

// Object is a structured value that encodes its own fields. Implementations
// must be pointer types: identity is tracked by pointer so that cyclic
// graphs round-trip.
type Object interface {
	TypeName() string
	WriteFields(w *Writer) error
	ReadFields(r *Reader) error
}

// Enum is a named, ordinal-encoded constant.
type Enum interface {
	EnumName() string
	Ordinal() int
}

var (
	ErrChecksumMismatch = errors.New("bufferstream: checksum mismatch")
	ErrUnknownTag       = errors.New("bufferstream: unknown type tag")
	ErrUnsupportedType  = errors.New("bufferstream: unsupported type")
	ErrUnknownType      = errors.New("bufferstream: unregistered type name")
	ErrTruncated        = errors.New("bufferstream: truncated record")
	ErrVersion          = errors.New("bufferstream: unsupported format version")
	ErrDepthExceeded    = errors.New("bufferstream: nesting too deep")
	ErrBadBackRef       = errors.New("bufferstream: back-reference to unknown object")
	ErrTrailingData     = errors.New("bufferstream: trailing data after value")
	ErrTypeMismatch     = errors.New("bufferstream: unexpected value type")
	ErrInvalidMapKey    = errors.New("bufferstream: map key is not comparable")
)

// IsCorruption reports whether err was caused by a damaged or foreign record
// rather than by an unsupported or unregistered type.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrUnknownTag) ||
		errors.Is(err, ErrTruncated) || errors.Is(err, ErrBadBackRef) ||
		errors.Is(err, ErrTrailingData) || errors.Is(err, ErrVersion)
}
