package pagemanager

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// --- Page Management ---

// PageKey identifies a page in the shared cache: the owning file's instance
// id and the page index within that file.
type PageKey struct {
	FileID uint64
	Index  int64
}

func (k PageKey) String() string { return fmt.Sprintf("%d:%d", k.FileID, k.Index) }

// Page represents an in-memory copy of one fixed-size region of a file.
type Page struct {
	key  PageKey
	data []byte
	file *PagedFile

	// This mutex protects the in-memory contents of this specific page.
	// Writers hold it exclusively; readers and flushers share it.
	latch sync.RWMutex
	// evicted is set under the exclusive latch once the page has left the
	// cache. Holders of a stale *Page re-fetch when they observe it.
	evicted bool

	dirty     atomic.Bool
	enqueued  atomic.Bool
	lastWrite atomic.Int64 // unix nanoseconds of the last write

	// pinned is guarded by PageCache.mu: true while the page sits in the
	// strong tier and holds a dirty-page permit.
	pinned bool
}

func newPage(key PageKey, data []byte, file *PagedFile) *Page {
	return &Page{key: key, data: data, file: file}
}

func (p *Page) Key() PageKey { return p.key }
func (p *Page) IsDirty() bool { return p.dirty.Load() }
func (p *Page) IsEnqueued() bool { return p.enqueued.Load() }

// LastWrite returns the time of the most recent write to the page.
func (p *Page) LastWrite() time.Time { return time.Unix(0, p.lastWrite.Load()) }

// fileOffset is the byte offset of the page within its file.
func (p *Page) fileOffset() int64 { return p.key.Index * p.file.pageSize }

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }
