package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/crc32"
)

// On-disk layout of a segment:
//
//	segment header (16 bytes)
//	  magic   u32  "GWAL"
//	  version u16
//	  flags   u16  (reserved)
//	  baseLSN u64  LSN of the first record in the segment
//	frame*
//	  length  u32  body length
//	  crc     u32  CRC32-C over flags, lsn and body
//	  flags   u8   frameCompressed when the body is zstd encoded
//	  lsn     u64
//	  body         bufferstream-encoded transaction
//
// All integers are little endian.
const (
	segmentMagic      uint32 = 0x4C415747 // "GWAL"
	segmentVersion    uint16 = 1
	segmentHeaderSize        = 16

	frameHeaderSize = 17
	maxFrameBody    = 64 << 20

	frameCompressed byte = 1 << 0
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// errTornRecord marks a frame that is incomplete or fails its checksum.
// Only the last segment may end in one; anywhere else it is corruption.
var errTornRecord = errors.New("torn log record")

// errFrameChecksum is the errTornRecord returned for a frame that was read
// in full but fails its CRC.
var errFrameChecksum = fmt.Errorf("%w: checksum mismatch", errTornRecord)

type segmentHeader struct {
	baseLSN LSN
}

func encodeSegmentHeader(h segmentHeader) []byte {
	buf := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], segmentMagic)
	binary.LittleEndian.PutUint16(buf[4:], segmentVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(h.baseLSN))
	return buf
}

// readSegmentHeader returns io.ErrUnexpectedEOF when fewer than
// segmentHeaderSize bytes are available.
func readSegmentHeader(r io.Reader) (segmentHeader, error) {
	var buf [segmentHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return segmentHeader{}, err
	}
	if magic := binary.LittleEndian.Uint32(buf[0:]); magic != segmentMagic {
		return segmentHeader{}, fmt.Errorf("%w: bad segment magic %#x", ErrCorruptLog, magic)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != segmentVersion {
		return segmentHeader{}, fmt.Errorf("%w: unsupported segment version %d", ErrCorruptLog, v)
	}
	return segmentHeader{baseLSN: LSN(binary.LittleEndian.Uint64(buf[8:]))}, nil
}

// appendFrame appends one framed record to dst.
func appendFrame(dst []byte, flags byte, lsn LSN, body []byte) []byte {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(body)))
	hdr[8] = flags
	binary.LittleEndian.PutUint64(hdr[9:], uint64(lsn))
	crc := crc32.Checksum(hdr[8:], crcTable)
	crc = crc32.Update(crc, crcTable, body)
	binary.LittleEndian.PutUint32(hdr[4:], crc)
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

type frame struct {
	flags byte
	lsn   LSN
	body  []byte
}

func (f frame) size() int64 { return int64(frameHeaderSize + len(f.body)) }

// readFrame returns io.EOF at a clean end of input and errTornRecord when
// the input ends inside a frame or the frame fails validation.
func readFrame(br *bufio.Reader) (frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return frame{}, errTornRecord
		}
		return frame{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:])
	if n > maxFrameBody {
		return frame{}, fmt.Errorf("%w: length %d", errTornRecord, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return frame{}, errTornRecord
		}
		return frame{}, err
	}
	crc := crc32.Checksum(hdr[8:], crcTable)
	crc = crc32.Update(crc, crcTable, body)
	if want := binary.LittleEndian.Uint32(hdr[4:]); crc != want {
		return frame{}, fmt.Errorf("%w: crc %#x, want %#x", errFrameChecksum, crc, want)
	}
	return frame{
		flags: hdr[8],
		lsn:   LSN(binary.LittleEndian.Uint64(hdr[9:])),
		body:  body,
	}, nil
}
