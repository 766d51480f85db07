// Package wal implements the segmented write-ahead log of transactions and
// its replay.
package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/transaction"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

// LSN is the log sequence number of a record. The first record of a fresh
// log has LSN 1.
type LSN = uint64

const InvalidLSN LSN = 0

const (
	DefaultSegmentSizeBytes  int64 = 64 << 20
	DefaultBufferSize              = 256 << 10
	DefaultFlushInterval           = 100 * time.Millisecond
	DefaultCompressThreshold       = 4096
)

var (
	ErrCorruptLog   = errors.New("wal: corrupt log")
	ErrLogClosed    = errors.New("wal: log manager is closed")
	ErrReaderClosed = errors.New("wal: reader is closed")
)

// Config controls segment rotation, durability and compression.
type Config struct {
	Dir string `yaml:"-"`
	// SegmentSizeBytes is the size past which the active segment is sealed
	// and a new one started.
	SegmentSizeBytes int64 `yaml:"segment_size_bytes"`
	// BufferSize is the in-memory buffer flushed when full or on Sync.
	BufferSize int `yaml:"buffer_size"`
	// SyncOnAppend makes every Append durable before it returns. Otherwise
	// the background flusher syncs every FlushInterval.
	SyncOnAppend  bool          `yaml:"sync_on_append"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// CompressThreshold is the encoded size above which a record body is
	// zstd compressed. Zero disables compression.
	CompressThreshold int `yaml:"compress_threshold"`
	// ArchiveCheckpointed keeps checkpointed segments as N.wal.lz4 instead
	// of deleting them.
	ArchiveCheckpointed bool `yaml:"archive_checkpointed"`
}

// DefaultConfig returns the configuration used for a log in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:               dir,
		SegmentSizeBytes:  DefaultSegmentSizeBytes,
		BufferSize:        DefaultBufferSize,
		SyncOnAppend:      true,
		FlushInterval:     DefaultFlushInterval,
		CompressThreshold: DefaultCompressThreshold,
	}
}

// LogManager appends transactions to the active segment of the log.
type LogManager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	enc     *zstd.Encoder

	mu               sync.Mutex    // Protects everything below.
	logFile          *os.File      // Active segment.
	currentSegmentID uint64        // ID of the active segment.
	segmentOffset    int64         // Bytes in the active segment, buffered ones included.
	nextLSN          LSN           // LSN the next Append receives.
	buffer           *bytes.Buffer // Frames not yet written to logFile.
	unsynced         bool          // logFile has writes not yet fsynced.
	failed           error         // Sticky write or sync failure.
	closed           bool

	checkpointMu sync.Mutex
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewLogManager opens the log in cfg.Dir, creating it if needed. A torn
// record at the end of the newest segment is cut off before appending
// resumes, and LSN numbering continues after the last valid record. A bad
// record followed by valid ones is ErrCorruptLog and nothing is truncated.
func NewLogManager(cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log directory must be set")
	}
	if cfg.SegmentSizeBytes <= segmentHeaderSize {
		return nil, fmt.Errorf("log segment size limit must exceed %d bytes", segmentHeaderSize)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	lm := &LogManager{
		cfg:      cfg,
		logger:   logger.Named("wal"),
		metrics:  metrics,
		enc:      enc,
		buffer:   bytes.NewBuffer(make([]byte, 0, cfg.BufferSize)),
		stopChan: make(chan struct{}),
	}

	lm.mu.Lock()
	err = lm.openLatestSegment()
	lm.mu.Unlock()
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to initialize log segment: %w", err)
	}

	if !cfg.SyncOnAppend {
		lm.wg.Add(1)
		go lm.flusher()
	}

	lm.logger.Info("LogManager initialized",
		zap.String("dir", cfg.Dir),
		zap.Uint64("segment", lm.currentSegmentID),
		zap.Uint64("next_lsn", lm.nextLSN))
	return lm, nil
}

// openLatestSegment positions the manager at the end of the newest segment.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) openLatestSegment() error {
	segments, err := listSegments(lm.cfg.Dir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return lm.createSegment(0, 1)
	}

	last := segments[len(segments)-1]
	if last.archived {
		scan, err := scanSegment(last.path)
		if err != nil {
			return err
		}
		return lm.createSegment(last.id+1, scan.next)
	}

	scan, err := scanSegment(last.path)
	if err != nil {
		return err
	}
	if scan.noHeader {
		base, err := lm.endOfSegments(segments[:len(segments)-1])
		if err != nil {
			return err
		}
		lm.logger.Warn("Rewriting torn segment header", zap.String("segment", last.path), zap.Uint64("base_lsn", base))
		return lm.createSegment(last.id, base)
	}
	if scan.valid < scan.size {
		lm.logger.Warn("Truncating torn tail of log segment",
			zap.String("segment", last.path),
			zap.Int64("valid_bytes", scan.valid),
			zap.Int64("size", scan.size))
		if err := os.Truncate(last.path, scan.valid); err != nil {
			return fmt.Errorf("failed to truncate log segment %s: %w", last.path, err)
		}
	}

	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", last.path, err)
	}
	if scan.valid < scan.size {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync truncated segment %s: %w", last.path, err)
		}
	}
	lm.logFile = f
	lm.currentSegmentID = last.id
	lm.segmentOffset = scan.valid
	lm.nextLSN = scan.next
	return nil
}

// endOfSegments returns the LSN following the last record of segments, or 1
// when there are none.
func (lm *LogManager) endOfSegments(segments []segmentInfo) (LSN, error) {
	if len(segments) == 0 {
		return 1, nil
	}
	scan, err := scanSegment(segments[len(segments)-1].path)
	if err != nil {
		return InvalidLSN, err
	}
	if scan.noHeader {
		return InvalidLSN, fmt.Errorf("%w: %s has a torn header", ErrCorruptLog, segments[len(segments)-1].path)
	}
	return scan.next, nil
}

// createSegment creates (or recreates) segment id with a synced header.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) createSegment(id uint64, base LSN) error {
	path := segmentPath(lm.cfg.Dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log segment %s: %w", path, err)
	}
	if _, err := f.Write(encodeSegmentHeader(segmentHeader{baseLSN: base})); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header of log segment %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync log segment %s: %w", path, err)
	}
	lm.logFile = f
	lm.currentSegmentID = id
	lm.segmentOffset = segmentHeaderSize
	lm.nextLSN = base
	lm.unsynced = false
	lm.logger.Debug("Created log segment", zap.String("segment", path), zap.Uint64("base_lsn", base))
	return nil
}

// Append serializes txn, appends it to the log and sets txn.LSN. With
// SyncOnAppend the record is on stable storage when Append returns.
func (lm *LogManager) Append(txn *transaction.Transaction) (LSN, error) {
	start := time.Now()

	body, err := txn.Encode()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	var flags byte
	if lm.cfg.CompressThreshold > 0 && len(body) > lm.cfg.CompressThreshold {
		if packed := lm.enc.EncodeAll(body, nil); len(packed) < len(body) {
			body, flags = packed, frameCompressed
		}
	}
	if len(body) > maxFrameBody {
		return InvalidLSN, fmt.Errorf("transaction of %d bytes exceeds the %d byte record limit", len(body), maxFrameBody)
	}
	recordSize := int64(frameHeaderSize + len(body))

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrLogClosed
	}
	if lm.failed != nil {
		return InvalidLSN, lm.failed
	}

	if lm.segmentOffset > segmentHeaderSize && lm.segmentOffset+recordSize > lm.cfg.SegmentSizeBytes {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}
	if lm.buffer.Len()+int(recordSize) > lm.cfg.BufferSize {
		if err := lm.flushInternal(false); err != nil {
			return InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}

	lsn := lm.nextLSN
	lm.buffer.Write(appendFrame(nil, flags, lsn, body))
	lm.nextLSN++
	lm.segmentOffset += recordSize

	if lm.cfg.SyncOnAppend {
		if err := lm.flushInternal(true); err != nil {
			return InvalidLSN, fmt.Errorf("failed to sync log record %d: %w", lsn, err)
		}
	}
	txn.LSN = lsn

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("type", txn.Type.String()))
	lm.metrics.WALAppendsCounter.Add(ctx, 1, attrs)
	lm.metrics.WALAppendLatency.Record(ctx, time.Since(start).Microseconds(), attrs)

	lm.logger.Debug("Appended log record",
		zap.Uint64("lsn", lsn),
		zap.Stringer("type", txn.Type),
		zap.String("container", txn.Container),
		zap.Int64("size", recordSize),
		zap.Uint64("segment", lm.currentSegmentID))
	return lsn, nil
}

// flushInternal writes buffered frames to the active segment and, when
// sync is set, fsyncs it. A failure is sticky: the segment may hold a
// partial frame, so no further records are accepted until the log is
// reopened and the tail cut off.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) flushInternal(sync bool) error {
	if lm.failed != nil {
		return lm.failed
	}
	if lm.buffer.Len() > 0 {
		_, err := lm.logFile.Write(lm.buffer.Bytes())
		lm.buffer.Reset()
		if err != nil {
			lm.failed = fmt.Errorf("failed to write log buffer to segment %d: %w", lm.currentSegmentID, err)
			return lm.failed
		}
		lm.unsynced = true
	}
	if sync && lm.unsynced {
		if err := lm.logFile.Sync(); err != nil {
			lm.failed = fmt.Errorf("failed to sync log segment %d: %w", lm.currentSegmentID, err)
			return lm.failed
		}
		lm.unsynced = false
	}
	return nil
}

// rollLogSegment seals the active segment and starts the next one.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.flushInternal(true); err != nil {
		return err
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log segment %d: %w", lm.currentSegmentID, err)
	}
	sealed := lm.currentSegmentID
	if err := lm.createSegment(sealed+1, lm.nextLSN); err != nil {
		return err
	}
	lm.logger.Info("Rolled log segment",
		zap.Uint64("sealed", sealed),
		zap.Uint64("active", lm.currentSegmentID),
		zap.Uint64("base_lsn", lm.nextLSN))
	return nil
}

// flusher periodically makes buffered records durable when appends do not
// sync on their own.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lm.mu.Lock()
			if !lm.closed {
				if err := lm.flushInternal(true); err != nil {
					lm.logger.Error("Background log flush failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		case <-lm.stopChan:
			return
		}
	}
}

// Sync writes and fsyncs every appended record.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	return lm.flushInternal(true)
}

// CurrentLSN returns the LSN of the last appended record, or InvalidLSN if
// the log is empty.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// Dir returns the directory holding the segments.
func (lm *LogManager) Dir() string { return lm.cfg.Dir }

// Checkpoint discards sealed segments whose records all have an LSN at or
// below lsn, deleting them or, with ArchiveCheckpointed, compressing them to
// N.wal.lz4. The active segment is never touched. It returns the number of
// segments discarded.
func (lm *LogManager) Checkpoint(lsn LSN) (int, error) {
	lm.checkpointMu.Lock()
	defer lm.checkpointMu.Unlock()

	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return 0, ErrLogClosed
	}
	active := lm.currentSegmentID
	lm.mu.Unlock()

	segments, err := listSegments(lm.cfg.Dir)
	if err != nil {
		return 0, err
	}

	discarded := 0
	for i, seg := range segments {
		if seg.id >= active || i+1 >= len(segments) {
			break
		}
		if seg.archived && lm.cfg.ArchiveCheckpointed {
			continue
		}
		// Segments are contiguous, so the next one's base LSN bounds this one.
		next, err := openSegment(segments[i+1].path)
		if err != nil {
			return discarded, err
		}
		end := next.header.baseLSN - 1
		next.Close()
		if end > lsn {
			break
		}

		if lm.cfg.ArchiveCheckpointed {
			err = archiveSegment(seg)
		} else {
			err = os.Remove(seg.path)
		}
		if err != nil {
			return discarded, fmt.Errorf("failed to discard log segment %s: %w", seg.path, err)
		}
		discarded++
		lm.logger.Debug("Discarded checkpointed log segment",
			zap.String("segment", seg.path),
			zap.Uint64("last_lsn", end),
			zap.Bool("archived", lm.cfg.ArchiveCheckpointed))
	}
	if discarded > 0 {
		lm.logger.Info("Checkpointed log", zap.Uint64("lsn", lsn), zap.Int("segments", discarded))
	}
	return discarded, nil
}

// Close flushes and syncs the log and stops the background flusher.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.closed = true
	err := lm.flushInternal(true)
	err = multierr.Append(err, lm.logFile.Close())
	lm.mu.Unlock()

	close(lm.stopChan)
	lm.wg.Wait()
	err = multierr.Append(err, lm.enc.Close())

	if err != nil {
		lm.logger.Error("LogManager closed with errors", zap.Error(err))
		return err
	}
	lm.logger.Info("LogManager closed", zap.Uint64("last_lsn", lm.nextLSN-1))
	return nil
}
