package pagemanager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

const (
	DefaultPageSize          = 16 * 1024
	DefaultMaxDirtyPages     = 1024
	DefaultCleanPageCapacity = 4096
	DefaultFlushDebounce     = 50 * time.Millisecond
	DefaultOOMBackoffBase    = 10 * time.Millisecond

	// evictionProbes bounds how many soft entries are skipped while looking
	// for a reclaimable victim.
	evictionProbes = 16

	backpressurePoll = 10 * time.Millisecond
)

var ErrCacheClosed = errors.New("page cache is closed")

// OOMPolicy controls how page allocation reacts to an exhausted memory
// budget: evict every reclaimable page, hint the garbage collector, sleep
// BaseDelay*attempt and try again. MaxAttempts 0 retries forever, which is
// the default degrade-rather-than-crash behaviour for an embedded engine.
type OOMPolicy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Config holds the page cache tuning knobs.
type Config struct {
	PageSize          int           `yaml:"page_size"`
	MaxDirtyPages     int64         `yaml:"max_dirty_pages"`
	CleanPageCapacity int           `yaml:"clean_page_capacity"`
	FlushDebounce     time.Duration `yaml:"flush_debounce"`
	MemoryBudgetBytes int64         `yaml:"memory_budget_bytes"`
	OOM               OOMPolicy     `yaml:"oom"`
}

// DefaultConfig returns the reference tuning: 16 KiB pages, 1024 dirty pages.
func DefaultConfig() Config {
	return Config{
		PageSize:          DefaultPageSize,
		MaxDirtyPages:     DefaultMaxDirtyPages,
		CleanPageCapacity: DefaultCleanPageCapacity,
		FlushDebounce:     DefaultFlushDebounce,
		OOM:               OOMPolicy{BaseDelay: DefaultOOMBackoffBase},
	}
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxDirtyPages <= 0 {
		c.MaxDirtyPages = DefaultMaxDirtyPages
	}
	if c.CleanPageCapacity <= 0 {
		c.CleanPageCapacity = DefaultCleanPageCapacity
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = DefaultFlushDebounce
	}
	if c.OOM.BaseDelay <= 0 {
		c.OOM.BaseDelay = DefaultOOMBackoffBase
	}
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Loaded     int64
	Flushed    int64
	OOMRetries int64
	Dirty      int
	Clean      int
	Queued     int
}

// PageCache is the table of pages shared by every PagedFile opened through
// it. Dirty pages are held strongly and count against a global permit
// budget; clean pages live in an LRU tier and may be reclaimed at any time.
type PageCache struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	buffers *bufferpool.BufferPool
	budget  *bufferpool.Controller

	dirtySem *semaphore.Weighted

	mu     sync.Mutex
	strong map[PageKey]*Page
	soft   *simplelru.LRU[PageKey, *Page]
	files  map[uint64]*PagedFile

	queue      *delayQueue
	nextFileID atomic.Uint64

	loaded     atomic.Int64
	flushed    atomic.Int64
	oomRetries atomic.Int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewPageCache creates a cache and starts its flush daemon.
func NewPageCache(cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageCache, error) {
	cfg.applyDefaults()
	if cfg.PageSize%4096 != 0 {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageSize, cfg.PageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	// The soft tier's own bound is never reached; makeRoomLocked enforces
	// CleanPageCapacity so that busy pages are skipped rather than dropped.
	soft, err := simplelru.NewLRU[PageKey, *Page](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	c := &PageCache{
		cfg:      cfg,
		logger:   logger.Named("page_cache"),
		metrics:  metrics,
		buffers:  bufferpool.Default,
		budget:   bufferpool.NewController(cfg.MemoryBudgetBytes),
		dirtySem: semaphore.NewWeighted(cfg.MaxDirtyPages),
		strong:   make(map[PageKey]*Page),
		soft:     soft,
		files:    make(map[uint64]*PagedFile),
		queue:    newDelayQueue(),
		stopChan: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.flusher()

	c.logger.Info("page cache started",
		zap.Int("pageSize", cfg.PageSize),
		zap.Int64("maxDirtyPages", cfg.MaxDirtyPages),
		zap.Int("cleanPageCapacity", cfg.CleanPageCapacity),
		zap.Duration("flushDebounce", cfg.FlushDebounce),
		zap.Int64("memoryBudgetBytes", cfg.MemoryBudgetBytes),
	)
	return c, nil
}

var (
	sharedOnce  sync.Once
	sharedCache *PageCache
)

// Shared returns the process-wide cache, created on first use with the
// default configuration and the global zap logger.
func Shared() *PageCache {
	sharedOnce.Do(func() {
		c, err := NewPageCache(DefaultConfig(), zap.L(), nil)
		if err != nil {
			panic(fmt.Sprintf("pagemanager: default config rejected: %v", err))
		}
		sharedCache = c
	})
	return sharedCache
}

// PageSize returns the fixed page size in bytes.
func (c *PageCache) PageSize() int { return c.cfg.PageSize }

// Open opens (creating if needed) a file whose pages are served by this cache.
func (c *PageCache) Open(path string) (*PagedFile, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	id := c.nextFileID.Add(1)
	disk, err := flushmanager.OpenDiskManager(path, c.logger.With(zap.String("file", filepath.Base(path))))
	if err != nil {
		return nil, err
	}
	f := &PagedFile{
		id:       id,
		cache:    c,
		disk:     disk,
		pageSize: int64(c.cfg.PageSize),
	}
	c.mu.Lock()
	c.files[id] = f
	c.mu.Unlock()
	c.logger.Debug("file opened", zap.Uint64("fileID", id), zap.String("path", path), zap.Int64("size", disk.Size()))
	return f, nil
}

// fetch returns the cached page for (f, index), loading it from disk when
// absent. The caller must latch the page and re-fetch if it was evicted.
func (c *PageCache) fetch(f *PagedFile, index int64) (*Page, error) {
	key := PageKey{FileID: f.id, Index: index}

	if p := c.lookup(key); p != nil {
		return p, nil
	}

	// Allocation may sleep, so it happens outside the table lock.
	buf, err := c.allocate()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if p := c.lookupLocked(key); p != nil {
		c.mu.Unlock()
		c.releaseBuffer(buf)
		return p, nil
	}
	// The read happens under the table lock so a concurrent load, flush
	// and eviction of the same page cannot interleave with it.
	if err := f.disk.ReadAt(buf, index*f.pageSize); err != nil {
		c.mu.Unlock()
		c.releaseBuffer(buf)
		return nil, err
	}
	p := newPage(key, buf, f)
	c.makeRoomLocked()
	c.soft.Add(key, p)
	c.mu.Unlock()

	c.loaded.Add(1)
	c.metrics.PagesLoadedCounter.Add(context.Background(), 1)
	return p, nil
}

func (c *PageCache) lookup(key PageKey) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

func (c *PageCache) lookupLocked(key PageKey) *Page {
	if p, ok := c.strong[key]; ok {
		return p
	}
	if p, ok := c.soft.Get(key); ok {
		return p
	}
	return nil
}

// allocate obtains a page buffer within the memory budget. When the budget
// is exhausted it evicts every reclaimable page, hints the GC, backs off
// for BaseDelay*attempt and retries; with MaxAttempts 0 it never gives up.
func (c *PageCache) allocate() ([]byte, error) {
	size := int64(c.cfg.PageSize)
	for attempt := 1; ; attempt++ {
		err := c.budget.TryAcquire(size)
		if err == nil {
			return c.buffers.Get(c.cfg.PageSize), nil
		}
		if c.cfg.OOM.MaxAttempts > 0 && attempt >= c.cfg.OOM.MaxAttempts {
			return nil, fmt.Errorf("page allocation failed after %d attempts: %w", attempt, err)
		}
		c.oomRetries.Add(1)
		c.metrics.OOMRetriesCounter.Add(context.Background(), 1)
		evicted := c.EvictReclaimable()
		runtime.GC()
		delay := c.cfg.OOM.BaseDelay * time.Duration(attempt)
		c.logger.Warn("page allocation over memory budget, backing off",
			zap.Int("attempt", attempt),
			zap.Int("evicted", evicted),
			zap.Int64("used", c.budget.Used()),
			zap.Int64("limit", c.budget.Limit()),
			zap.Duration("delay", delay),
		)
		time.Sleep(delay)
	}
}

func (c *PageCache) releaseBuffer(buf []byte) {
	c.buffers.Put(buf)
	c.budget.Release(int64(c.cfg.PageSize))
}

// makeRoomLocked evicts clean pages until the soft tier is below capacity.
// Busy or dirty pages are skipped, so the tier may briefly overshoot.
// MUST be called with c.mu held.
func (c *PageCache) makeRoomLocked() {
	for c.soft.Len() >= c.cfg.CleanPageCapacity {
		if !c.evictOldestLocked() {
			return
		}
	}
}

// evictOldestLocked tries to evict one page from the cold end of the soft
// tier. MUST be called with c.mu held.
func (c *PageCache) evictOldestLocked() bool {
	for i := 0; i < evictionProbes; i++ {
		key, p, ok := c.soft.GetOldest()
		if !ok {
			return false
		}
		if c.evictLocked(p) {
			return true
		}
		// Busy: move it to the warm end and try the next one.
		c.soft.Get(key)
	}
	return false
}

// evictLocked drops p from the soft tier if nobody holds its latch and it is
// clean. MUST be called with c.mu held.
func (c *PageCache) evictLocked(p *Page) bool {
	if !p.TryLock() {
		return false
	}
	if p.dirty.Load() || p.pinned {
		p.Unlock()
		return false
	}
	p.evicted = true
	buf := p.data
	p.data = nil
	p.Unlock()
	c.soft.Remove(p.key)
	c.releaseBuffer(buf)
	return true
}

// EvictReclaimable drops every clean, unlatched page and returns the count.
func (c *PageCache) EvictReclaimable() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.soft.Values() {
		if c.evictLocked(p) {
			n++
		}
	}
	return n
}

// markDirty promotes p to the strong tier after its first write since the
// last flush and enqueues it for debounced flushing. When the dirty-page
// budget is exhausted the oldest queued page is flushed synchronously first.
func (c *PageCache) markDirty(p *Page) {
	c.mu.Lock()
	alreadyPinned := p.pinned
	c.mu.Unlock()

	if !alreadyPinned {
		c.acquireDirtyPermit()
		c.mu.Lock()
		if p.pinned {
			c.mu.Unlock()
			c.dirtySem.Release(1)
		} else {
			p.pinned = true
			c.soft.Remove(p.key)
			c.strong[p.key] = p
			c.mu.Unlock()
			c.metrics.DirtyPagesUpDownCounter.Add(context.Background(), 1)
		}
	}

	if p.enqueued.CompareAndSwap(false, true) {
		c.queue.push(p, time.Now().Add(c.cfg.FlushDebounce))
	}
}

// acquireDirtyPermit is the back-pressure point for writers.
func (c *PageCache) acquireDirtyPermit() {
	for !c.dirtySem.TryAcquire(1) {
		victim := c.queue.popOldest()
		if victim == nil {
			// Every permit belongs to a page that is being flushed right
			// now. Wait for a demotion, then look at the queue again.
			ctx, cancel := context.WithTimeout(context.Background(), backpressurePoll)
			err := c.dirtySem.Acquire(ctx, 1)
			cancel()
			if err == nil {
				return
			}
			continue
		}
		victim.enqueued.Store(false)
		if err := c.flushPage(victim); err != nil {
			c.logger.Error("forced flush failed", zap.Stringer("page", victim.key), zap.Error(err))
			c.requeue(victim)
		}
	}
}

// flushPage writes p back to its file if dirty and demotes it to the soft
// tier. Writers are excluded for the duration of the disk write.
func (c *PageCache) flushPage(p *Page) error {
	p.RLock()
	if p.evicted {
		p.RUnlock()
		return nil
	}
	wrote := false
	if p.dirty.Load() {
		f := p.file
		off := p.fileOffset()
		// Only the logical extent of the file is written back, so a partial
		// last page never grows the file past its recorded size.
		limit := f.disk.Size() - off
		if limit > int64(len(p.data)) {
			limit = int64(len(p.data))
		}
		if limit > 0 {
			if err := f.disk.WriteAt(p.data[:limit], off); err != nil {
				p.RUnlock()
				return err
			}
		}
		p.dirty.Store(false)
		wrote = true
	}
	p.RUnlock()

	if wrote {
		c.flushed.Add(1)
		c.metrics.PagesFlushedCounter.Add(context.Background(), 1)
	}
	c.demote(p)
	return nil
}

// demote moves a flushed page back to the soft tier and returns its permit,
// unless it was dirtied again in the meantime.
func (c *PageCache) demote(p *Page) {
	c.mu.Lock()
	if !p.pinned || p.dirty.Load() || p.evicted {
		c.mu.Unlock()
		return
	}
	p.pinned = false
	delete(c.strong, p.key)
	c.makeRoomLocked()
	c.soft.Add(p.key, p)
	c.mu.Unlock()

	c.dirtySem.Release(1)
	c.metrics.DirtyPagesUpDownCounter.Add(context.Background(), -1)
}

func (c *PageCache) requeue(p *Page) {
	if p.dirty.Load() && p.enqueued.CompareAndSwap(false, true) {
		c.queue.push(p, time.Now().Add(c.cfg.FlushDebounce))
	}
}

// flusher is the single background daemon draining the delay queue.
func (c *PageCache) flusher() {
	defer c.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		p, wait := c.queue.popReady(time.Now())
		if p != nil {
			c.handleDue(p)
			continue
		}
		if wait < 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-c.stopChan:
			return
		case <-c.queue.wakeup:
		case <-timer.C:
		}
	}
}

// handleDue flushes p unless a write landed inside its debounce window, in
// which case it goes back into the queue behind the new deadline.
func (c *PageCache) handleDue(p *Page) {
	if !p.dirty.Load() {
		p.enqueued.Store(false)
		c.demote(p)
		return
	}
	due := time.Unix(0, p.lastWrite.Load()).Add(c.cfg.FlushDebounce)
	if due.After(time.Now()) {
		c.queue.push(p, due)
		return
	}
	p.enqueued.Store(false)
	if err := c.flushPage(p); err != nil {
		c.logger.Error("background flush failed", zap.Stringer("page", p.key), zap.Error(err))
		c.requeue(p)
	}
}

// flushFile synchronously flushes every dirty page owned by f.
func (c *PageCache) flushFile(f *PagedFile) error {
	c.mu.Lock()
	var pages []*Page
	for key, p := range c.strong {
		if key.FileID == f.id {
			pages = append(pages, p)
		}
	}
	// Pages caught between their first write and promotion are still in
	// the soft tier.
	for _, p := range c.soft.Values() {
		if p.key.FileID == f.id && p.dirty.Load() {
			pages = append(pages, p)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, p := range pages {
		if err := c.flushPage(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dropFile removes every page of f from the cache. f must be flushed.
func (c *PageCache) dropFile(f *PagedFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	released := int64(0)
	for key, p := range c.strong {
		if key.FileID != f.id {
			continue
		}
		c.retireLocked(p)
		delete(c.strong, key)
		released++
	}
	for _, p := range c.soft.Values() {
		if p.key.FileID != f.id {
			continue
		}
		c.retireLocked(p)
		c.soft.Remove(p.key)
	}
	delete(c.files, f.id)
	if released > 0 {
		c.dirtySem.Release(released)
		c.metrics.DirtyPagesUpDownCounter.Add(context.Background(), -released)
	}
}

// retireLocked marks p evicted and returns its buffer, waiting for any
// latch holder to finish. MUST be called with c.mu held.
func (c *PageCache) retireLocked(p *Page) {
	p.Lock()
	p.evicted = true
	buf := p.data
	p.data = nil
	p.pinned = false
	p.Unlock()
	if buf != nil {
		c.releaseBuffer(buf)
	}
}

// Stats returns current counters.
func (c *PageCache) Stats() Stats {
	c.mu.Lock()
	dirty, clean := len(c.strong), c.soft.Len()
	c.mu.Unlock()
	return Stats{
		Loaded:     c.loaded.Load(),
		Flushed:    c.flushed.Load(),
		OOMRetries: c.oomRetries.Load(),
		Dirty:      dirty,
		Clean:      clean,
		Queued:     c.queue.len(),
	}
}

// Close flushes all dirty pages of every open file and stops the daemon.
// Files stay open; callers close them first in the normal shutdown order.
func (c *PageCache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stopChan)
	c.wg.Wait()

	c.mu.Lock()
	files := make([]*PagedFile, 0, len(c.files))
	for _, f := range c.files {
		files = append(files, f)
	}
	c.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := c.flushFile(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.logger.Info("page cache stopped", zap.Int64("flushed", c.flushed.Load()))
	return firstErr
}
