package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/transaction"
)

// Reader streams transactions from a sequence of segments in LSN order.
// A torn record at the end of the last segment ends the stream; a torn or
// out-of-sequence record anywhere else is reported as ErrCorruptLog. So is a
// record in the last segment that fails its checksum while the next record
// is intact, since a crash only ever tears the final write.
type Reader struct {
	segments []segmentInfo
	idx      int
	cur      *segmentReader
	expect   LSN // base LSN the next segment must carry; 0 before the first
	dec      *zstd.Decoder
	logger   *zap.Logger
	torn     bool
	err      error
}

// NewReader opens a reader over every segment in dir, archived ones included.
func NewReader(dir string, logger *zap.Logger) (*Reader, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	return newReader(segments, logger)
}

// NewSegmentReader opens a reader over a single segment file.
func NewSegmentReader(path string, logger *zap.Logger) (*Reader, error) {
	return newReader([]segmentInfo{{path: path}}, logger)
}

func newReader(segments []segmentInfo, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{segments: segments, dec: dec, logger: logger.Named("wal_reader")}, nil
}

// Next returns the next transaction, or io.EOF when the log is exhausted.
func (r *Reader) Next() (*transaction.Transaction, error) {
	if r.err != nil {
		return nil, r.err
	}
	txn, err := r.next()
	if err != nil {
		r.err = err
		r.closeCurrent()
	}
	return txn, err
}

func (r *Reader) next() (*transaction.Transaction, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.segments) {
				return nil, io.EOF
			}
			if err := r.openNext(); err != nil {
				return nil, err
			}
			if r.cur == nil {
				continue
			}
		}

		fr, err := r.cur.frame()
		switch {
		case err == nil:
			return r.decode(fr)
		case err == io.EOF:
			r.expect = r.cur.next
			r.closeCurrent()
			r.idx++
		case errors.Is(err, errTornRecord):
			if r.idx == len(r.segments)-1 {
				r.logger.Warn("Discarding torn record at the end of the log",
					zap.String("segment", r.cur.path),
					zap.Int64("offset", r.cur.offset),
					zap.Error(err))
				r.torn = true
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %s at offset %d: %v", ErrCorruptLog, r.cur.path, r.cur.offset, err)
		default:
			return nil, err
		}
	}
}

// openNext opens segments[idx]. A final segment too short to hold its
// header is treated as empty.
func (r *Reader) openNext() error {
	seg := r.segments[r.idx]
	sr, err := openSegment(seg.path)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		if r.idx == len(r.segments)-1 {
			r.logger.Warn("Ignoring log segment with a torn header", zap.String("segment", seg.path))
			r.torn = true
			r.idx++
			return nil
		}
		return fmt.Errorf("%w: %s has a torn header", ErrCorruptLog, seg.path)
	}
	if err != nil {
		return err
	}
	if r.expect != 0 && sr.header.baseLSN != r.expect {
		sr.Close()
		return fmt.Errorf("%w: %s starts at LSN %d, expected %d", ErrCorruptLog, seg.path, sr.header.baseLSN, r.expect)
	}
	r.cur = sr
	return nil
}

func (r *Reader) decode(fr frame) (*transaction.Transaction, error) {
	body := fr.body
	if fr.flags&frameCompressed != 0 {
		var err error
		if body, err = r.dec.DecodeAll(fr.body, nil); err != nil {
			return nil, fmt.Errorf("%w: LSN %d: %v", ErrCorruptLog, fr.lsn, err)
		}
	}
	txn, err := transaction.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: LSN %d: %w", ErrCorruptLog, fr.lsn, err)
	}
	txn.LSN = fr.lsn
	return txn, nil
}

// Truncated reports whether the stream ended at a torn record.
func (r *Reader) Truncated() bool { return r.torn }

func (r *Reader) closeCurrent() {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
}

// Close releases the open segment and the decoder.
func (r *Reader) Close() error {
	r.closeCurrent()
	r.dec.Close()
	if r.err == nil {
		r.err = ErrReaderClosed
	}
	return nil
}
