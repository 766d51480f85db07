package pagemanager

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
)

// PagedFile is a file whose contents are accessed through the shared page
// cache. All methods are safe for concurrent use.
type PagedFile struct {
	id       uint64
	cache    *PageCache
	disk     *flushmanager.DiskManager
	pageSize int64
	closed   atomic.Bool
}

// ID returns the per-instance identifier used to key this file's pages.
func (f *PagedFile) ID() uint64 { return f.id }

// Path returns the backing file path.
func (f *PagedFile) Path() string { return f.disk.Path() }

// Size returns the logical file length.
func (f *PagedFile) Size() int64 { return f.disk.Size() }

// PageSize returns the page size of the owning cache.
func (f *PagedFile) PageSize() int { return int(f.pageSize) }

// Read copies len(dst) bytes starting at off into dst. It returns io.EOF
// together with the short count when the range extends past the end of
// the file.
func (f *PagedFile) Read(off int64, dst []byte) (int, error) {
	if f.closed.Load() {
		return 0, flushmanager.ErrFileClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: %d", flushmanager.ErrInvalidOffset, off)
	}
	size := f.Size()
	if off >= size {
		if len(dst) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	want := dst
	if remaining := size - off; int64(len(want)) > remaining {
		want = want[:remaining]
	}

	n := 0
	for n < len(want) {
		pos := off + int64(n)
		index, inPage := pos/f.pageSize, int(pos%f.pageSize)
		copied, err := f.withPage(index, false, func(p *Page) int {
			return copy(want[n:], p.data[inPage:])
		})
		if err != nil {
			return n, err
		}
		n += copied
	}
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// Write copies src into the pages covering [off, off+len(src)), marking each
// of them dirty and extending the file when the range passes its end. The
// data is durable only after a flush, either the background one or Flush.
func (f *PagedFile) Write(off int64, src []byte) (int, error) {
	if f.closed.Load() {
		return 0, flushmanager.ErrFileClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: %d", flushmanager.ErrInvalidOffset, off)
	}
	if len(src) == 0 {
		return 0, nil
	}
	if err := f.disk.EnsureSize(off + int64(len(src))); err != nil {
		return 0, err
	}

	n := 0
	for n < len(src) {
		pos := off + int64(n)
		index, inPage := pos/f.pageSize, int(pos%f.pageSize)
		copied, err := f.withPage(index, true, func(p *Page) int {
			return copy(p.data[inPage:], src[n:])
		})
		if err != nil {
			return n, err
		}
		n += copied
	}
	return n, nil
}

// withPage runs fn on the page holding index under its latch (exclusive when
// write is set), re-fetching if the page was evicted in between. After a
// write it stamps the page and performs the clean-to-dirty transition.
func (f *PagedFile) withPage(index int64, write bool, fn func(p *Page) int) (int, error) {
	for {
		p, err := f.cache.fetch(f, index)
		if err != nil {
			return 0, err
		}
		if !write {
			p.RLock()
			if p.evicted {
				p.RUnlock()
				continue
			}
			n := fn(p)
			p.RUnlock()
			return n, nil
		}

		p.Lock()
		if p.evicted {
			p.Unlock()
			continue
		}
		n := fn(p)
		p.lastWrite.Store(time.Now().UnixNano())
		first := !p.dirty.Swap(true)
		p.Unlock()
		if first {
			f.cache.markDirty(p)
		}
		return n, nil
	}
}

// Flush synchronously writes every dirty page of this file back to disk.
func (f *PagedFile) Flush() error {
	if f.closed.Load() {
		return flushmanager.ErrFileClosed
	}
	return f.cache.flushFile(f)
}

// Sync flushes and then fsyncs the backing file.
func (f *PagedFile) Sync() error {
	if err := f.Flush(); err != nil {
		return err
	}
	return f.disk.Sync()
}

// Close flushes the file, drops its pages from the cache and closes the
// descriptor. Closing twice is a no-op.
func (f *PagedFile) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	err := f.cache.flushFile(f)
	f.cache.dropFile(f)
	err = multierr.Append(err, f.disk.Sync())
	err = multierr.Append(err, f.disk.Close())
	if err != nil {
		f.cache.logger.Error("closing paged file", zap.Uint64("fileID", f.id), zap.String("path", f.Path()), zap.Error(err))
	}
	return err
}

// IsClosed reports whether Close has been called.
func (f *PagedFile) IsClosed() bool { return f.closed.Load() }
