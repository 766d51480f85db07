package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager owns the descriptor of one backing data file. Reads are served
// from a read-only shared memory mapping of the file where the platform
// supports it; writes go through positional writes so the mapping observes
// them through the OS page cache.
type DiskManager struct {
	filePath string
	file     *os.File
	logger   *zap.Logger

	mu     sync.RWMutex // guards size, mapping and closed
	size   int64
	mapped []byte
	closed bool
}

// OpenDiskManager opens (creating if needed) the file at filePath.
func OpenDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, filePath, err)
	}
	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		logger:   logger,
		size:     info.Size(),
	}
	if err := dm.remapLocked(); err != nil {
		// A missing mapping only costs performance; fall back to pread.
		dm.logger.Warn("mmap unavailable, using positional reads", zap.String("path", filePath), zap.Error(err))
	}
	return dm, nil
}

// Path returns the backing file path.
func (dm *DiskManager) Path() string { return dm.filePath }

// Size returns the current file length.
func (dm *DiskManager) Size() int64 {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.size
}

// ReadAt fills p with the bytes at off. Bytes beyond EOF read as zero.
func (dm *DiskManager) ReadAt(p []byte, off int64) error {
	if off < 0 {
		return ErrInvalidOffset
	}
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.closed {
		return ErrFileClosed
	}

	avail := dm.size - off
	if avail <= 0 {
		clear(p)
		return nil
	}
	n := len(p)
	if int64(n) > avail {
		n = int(avail)
	}

	if dm.mapped != nil && off+int64(n) <= int64(len(dm.mapped)) {
		copy(p[:n], dm.mapped[off:off+int64(n)])
	} else {
		read, err := dm.file.ReadAt(p[:n], off)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: reading %d bytes at %d from %s: %v", ErrIO, n, off, dm.filePath, err)
		}
		n = read
	}
	clear(p[n:])
	return nil
}

// WriteAt writes p at off, growing the file if needed.
func (dm *DiskManager) WriteAt(p []byte, off int64) error {
	if off < 0 {
		return ErrInvalidOffset
	}
	dm.mu.RLock()
	closed := dm.closed
	needsGrow := off+int64(len(p)) > dm.size
	dm.mu.RUnlock()
	if closed {
		return ErrFileClosed
	}
	if needsGrow {
		if err := dm.EnsureSize(off + int64(len(p))); err != nil {
			return err
		}
	}
	if _, err := dm.file.WriteAt(p, off); err != nil {
		return fmt.Errorf("%w: writing %d bytes at %d to %s: %v", ErrIO, len(p), off, dm.filePath, err)
	}
	return nil
}

// EnsureSize extends the file to at least n bytes. Files never shrink.
func (dm *DiskManager) EnsureSize(n int64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return ErrFileClosed
	}
	if n <= dm.size {
		return nil
	}
	if err := dm.file.Truncate(n); err != nil {
		return fmt.Errorf("%w: extending %s to %d bytes: %v", ErrIO, dm.filePath, n, err)
	}
	dm.size = n
	// Remap geometrically; the unmapped tail is served by positional reads.
	if int64(len(dm.mapped))*2 <= dm.size {
		if err := dm.remapLocked(); err != nil {
			dm.logger.Debug("remap failed, using positional reads", zap.String("path", dm.filePath), zap.Error(err))
		}
	}
	return nil
}

// remapLocked replaces the mapping so it covers the whole file.
// MUST be called with dm.mu held for writing (or before dm is shared).
func (dm *DiskManager) remapLocked() error {
	if dm.mapped != nil {
		if err := unmapFile(dm.mapped); err != nil {
			return err
		}
		dm.mapped = nil
	}
	if dm.size == 0 {
		return nil
	}
	data, err := mapFile(dm.file, dm.size)
	if err != nil {
		return err
	}
	dm.mapped = data
	return nil
}

// Sync flushes the file contents to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.closed {
		return ErrFileClosed
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close unmaps and closes the file. It is idempotent.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return nil
	}
	dm.closed = true
	var firstErr error
	if dm.mapped != nil {
		firstErr = unmapFile(dm.mapped)
		dm.mapped = nil
	}
	if err := dm.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, err)
	}
	dm.logger.Debug("disk manager closed", zap.String("path", dm.filePath))
	return firstErr
}
