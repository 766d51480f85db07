package skiplist

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- File Layout ---
//
// Offset 0 holds the file header; the head sentinel node follows it. Every
// other region is carved from the bump pointer or a size-class free list.
//
// Header:
//	[0:4]   magic
//	[4:6]   version
//	[6:8]   max level
//	[8:16]  key count
//	[16:24] bump pointer
//	[24:32] highest level in use
//	[32:]   free-list heads, one u64 per size class
//
// Node:
//	[0]     flags (marked, fully linked)
//	[1]     level
//	[2:4]   reserved
//	[4:8]   encoded key length
//	[8:]    level forward pointers, then the value pointer, then the key
//
// Value record:
//	[0:4]   encoded value length
//	[4:8]   reserved
//	[8:]    encoded value
//
// All pointer slots are 8-byte aligned so a slot never straddles a page and
// is read and written whole under the page latch.

const (
	fileMagic   uint32 = 0x4C4B5347 // "GSKL"
	fileVersion uint16 = 1

	headerSize     = 512
	headNodeOffset = headerSize

	offMagic    = 0
	offVersion  = 4
	offMaxLevel = 6
	offCount    = 8
	offBump     = 16
	offLevel    = 24
	offFreeList = 32

	minClassShift = 6 // 64 B
	maxClassShift = 31
	numClasses    = maxClassShift - minClassShift + 1

	nodeHeaderSize  = 8
	valueHeaderSize = 8

	flagMarked      byte = 1 << 0
	flagFullyLinked byte = 1 << 1

	nilOffset uint64 = 0
)

// sizeClass returns the free-list class for a region of n bytes.
func sizeClass(n int) (int, error) {
	if n <= 1<<minClassShift {
		return 0, nil
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	return shift - minClassShift, nil
}

func classBytes(class int) uint64 { return 1 << (class + minClassShift) }

func nodeSize(level, keyLen int) int { return nodeHeaderSize + 8*level + 8 + keyLen }

func forwardSlot(node uint64, level int) int64 { return int64(node) + nodeHeaderSize + 8*int64(level) }

func valueSlot(node uint64, nodeLevel int) int64 {
	return int64(node) + nodeHeaderSize + 8*int64(nodeLevel)
}

func keyOffset(node uint64, nodeLevel int) int64 { return valueSlot(node, nodeLevel) + 8 }

// store wraps the paged file with typed field access and the region
// allocator. Field reads never take skip list locks.
type store struct {
	file *pagemanager.PagedFile

	allocMu  sync.Mutex
	bump     uint64
	freeList [numClasses]uint64
}

func (s *store) readU64(off int64) (uint64, error) {
	var b [8]byte
	if _, err := s.file.Read(off, b[:]); err != nil {
		return 0, fmt.Errorf("%w: reading offset %d: %w", ErrCorruptIndex, off, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (s *store) writeU64(off int64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := s.file.Write(off, b[:])
	return err
}

type nodeHeader struct {
	flags  byte
	level  int
	keyLen int
}

func (h nodeHeader) marked() bool      { return h.flags&flagMarked != 0 }
func (h nodeHeader) fullyLinked() bool { return h.flags&flagFullyLinked != 0 }

func (s *store) readNodeHeader(node uint64) (nodeHeader, error) {
	var b [nodeHeaderSize]byte
	if _, err := s.file.Read(int64(node), b[:]); err != nil {
		return nodeHeader{}, fmt.Errorf("%w: node %d: %w", ErrCorruptIndex, node, err)
	}
	return nodeHeader{
		flags:  b[0],
		level:  int(b[1]),
		keyLen: int(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

func (s *store) writeNodeHeader(node uint64, h nodeHeader) error {
	var b [nodeHeaderSize]byte
	b[0] = h.flags
	b[1] = byte(h.level)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.keyLen))
	_, err := s.file.Write(int64(node), b[:])
	return err
}

func (s *store) next(node uint64, level int) (uint64, error) {
	return s.readU64(forwardSlot(node, level))
}

func (s *store) setNext(node uint64, level int, to uint64) error {
	return s.writeU64(forwardSlot(node, level), to)
}

func (s *store) readKeyBytes(node uint64, h nodeHeader) ([]byte, error) {
	buf := make([]byte, h.keyLen)
	if _, err := s.file.Read(keyOffset(node, h.level), buf); err != nil {
		return nil, fmt.Errorf("%w: key of node %d: %w", ErrCorruptIndex, node, err)
	}
	return buf, nil
}

// writeValueRecord stores an encoded value in a fresh region.
func (s *store) writeValueRecord(encoded []byte) (uint64, error) {
	off, err := s.alloc(valueHeaderSize + len(encoded))
	if err != nil {
		return 0, err
	}
	rec := make([]byte, valueHeaderSize+len(encoded))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(encoded)))
	copy(rec[valueHeaderSize:], encoded)
	if _, err := s.file.Write(int64(off), rec); err != nil {
		return 0, err
	}
	return off, nil
}

func (s *store) readValueRecord(off uint64) ([]byte, error) {
	var h [valueHeaderSize]byte
	if _, err := s.file.Read(int64(off), h[:]); err != nil {
		return nil, fmt.Errorf("%w: value at %d: %w", ErrCorruptIndex, off, err)
	}
	buf := make([]byte, binary.LittleEndian.Uint32(h[0:4]))
	if _, err := s.file.Read(int64(off)+valueHeaderSize, buf); err != nil {
		return nil, fmt.Errorf("%w: value at %d: %w", ErrCorruptIndex, off, err)
	}
	return buf, nil
}

func (s *store) valueRecordSize(off uint64) (int, error) {
	var h [valueHeaderSize]byte
	if _, err := s.file.Read(int64(off), h[:]); err != nil {
		return 0, err
	}
	return valueHeaderSize + int(binary.LittleEndian.Uint32(h[0:4])), nil
}

// --- Allocator ---

// alloc returns a region able to hold n bytes, reusing a freed region of
// the same class when one exists.
func (s *store) alloc(n int) (uint64, error) {
	class, err := sizeClass(n)
	if err != nil {
		return 0, err
	}
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	if head := s.freeList[class]; head != nilOffset {
		next, err := s.readU64(int64(head))
		if err != nil {
			return 0, err
		}
		s.freeList[class] = next
		return head, nil
	}
	off := s.bump
	s.bump += classBytes(class)
	// Touch the last byte so the file covers the whole region.
	if _, err := s.file.Write(int64(s.bump)-1, []byte{0}); err != nil {
		s.bump = off
		return 0, err
	}
	return off, nil
}

// free pushes the region at off (originally sized n) onto its free list.
func (s *store) free(off uint64, n int) error {
	class, err := sizeClass(n)
	if err != nil {
		return err
	}
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	if err := s.writeU64(int64(off), s.freeList[class]); err != nil {
		return err
	}
	s.freeList[class] = off
	return nil
}

// --- Header ---

type fileHeader struct {
	maxLevel int
	count    uint64
	level    int
}

func (s *store) writeHeader(h fileHeader) error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[offMagic:], fileMagic)
	binary.LittleEndian.PutUint16(buf[offVersion:], fileVersion)
	binary.LittleEndian.PutUint16(buf[offMaxLevel:], uint16(h.maxLevel))
	binary.LittleEndian.PutUint64(buf[offCount:], h.count)
	binary.LittleEndian.PutUint64(buf[offLevel:], uint64(h.level))

	s.allocMu.Lock()
	binary.LittleEndian.PutUint64(buf[offBump:], s.bump)
	for i, head := range s.freeList {
		binary.LittleEndian.PutUint64(buf[offFreeList+8*i:], head)
	}
	s.allocMu.Unlock()

	_, err := s.file.Write(0, buf)
	return err
}

func (s *store) readHeader() (fileHeader, error) {
	buf := make([]byte, headerSize)
	if _, err := s.file.Read(0, buf); err != nil {
		return fileHeader{}, fmt.Errorf("%w: header: %w", ErrCorruptIndex, err)
	}
	if m := binary.LittleEndian.Uint32(buf[offMagic:]); m != fileMagic {
		return fileHeader{}, fmt.Errorf("%w: bad magic %08x", ErrCorruptIndex, m)
	}
	if v := binary.LittleEndian.Uint16(buf[offVersion:]); v != fileVersion {
		return fileHeader{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, v)
	}
	h := fileHeader{
		maxLevel: int(binary.LittleEndian.Uint16(buf[offMaxLevel:])),
		count:    binary.LittleEndian.Uint64(buf[offCount:]),
		level:    int(binary.LittleEndian.Uint64(buf[offLevel:])),
	}
	s.allocMu.Lock()
	s.bump = binary.LittleEndian.Uint64(buf[offBump:])
	for i := range s.freeList {
		s.freeList[i] = binary.LittleEndian.Uint64(buf[offFreeList+8*i:])
	}
	s.allocMu.Unlock()
	return h, nil
}

// initialize lays out an empty list: header plus a head node with maxLevel
// nil forward pointers.
func (s *store) initialize(maxLevel int) error {
	headSize := nodeSize(maxLevel, 0)
	class, err := sizeClass(headSize)
	if err != nil {
		return err
	}
	s.allocMu.Lock()
	s.bump = headNodeOffset + classBytes(class)
	s.freeList = [numClasses]uint64{}
	s.allocMu.Unlock()

	head := make([]byte, classBytes(class))
	head[0] = flagFullyLinked
	head[1] = byte(maxLevel)
	if _, err := s.file.Write(headNodeOffset, head); err != nil {
		return err
	}
	return s.writeHeader(fileHeader{maxLevel: maxLevel, level: 1})
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
