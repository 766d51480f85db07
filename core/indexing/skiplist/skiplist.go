// Package skiplist implements a persistent, concurrent ordered map whose
// nodes live in a paged file.
//
// Writers use lazy skip list locking: they search without locks, lock the
// predecessors they intend to relink (striped by node offset, always in
// ascending stripe order), validate that nothing changed, and retry from
// the search otherwise. Readers never take skip list locks. Unlinked nodes
// and replaced values are reclaimed through epochs, so a traversal never
// follows a pointer into a region that has been reused.
package skiplist

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

const (
	DefaultMaxLevel     = 24
	DefaultProbability  = 0.5
	DefaultKeyCacheSize = 8192

	// MaxLevelLimit bounds the configurable level count.
	MaxLevelLimit = 64

	numStripes = 256
)

// --- Error Definitions ---

var (
	ErrNilKeyOrder    = errors.New("keyOrder function must be provided")
	ErrNilCodec       = errors.New("key and value codecs must be provided")
	ErrInvalidLevel   = errors.New("max level out of range")
	ErrCorruptIndex   = errors.New("skip list file is corrupt")
	ErrRecordTooLarge = errors.New("record too large for skip list storage")
	ErrClosed         = errors.New("skip list is closed")
)

var (
	opGet    = metric.WithAttributes(attribute.String("op", "get"))
	opPut    = metric.WithAttributes(attribute.String("op", "put"))
	opRemove = metric.WithAttributes(attribute.String("op", "remove"))
)

// Options configures a SkipList. Order and both codecs are required.
type Options[K any, V any] struct {
	Order        Order[K]
	KeyCodec     Codec[K]
	ValueCodec   Codec[V]
	MaxLevel     int     // used only when creating a new file
	Probability  float64 // chance of promoting a node one more level
	KeyCacheSize int     // decoded keys kept in memory
	Logger       *zap.Logger
	Metrics      *internaltelemetry.StorageMetrics
}

type cachedKey[K any] struct {
	key   K
	level int
}

// Entry is one key/value pair produced by iteration.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

// SkipList is a persistent ordered map. All methods are safe for concurrent
// use.
type SkipList[K any, V any] struct {
	path       string
	order      Order[K]
	keyCodec   Codec[K]
	valueCodec Codec[V]
	maxLevel   int
	p          float64

	st      *store
	epochs  *epochs
	stripes [numStripes]sync.Mutex
	keys    *lru.Cache[uint64, cachedKey[K]]

	count  atomic.Int64
	level  atomic.Int32 // highest level any node has used; never shrinks
	closed atomic.Bool

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Open opens the skip list stored at path through cache, creating an empty
// one when the file is new.
func Open[K any, V any](cache *pagemanager.PageCache, path string, opts Options[K, V]) (*SkipList[K, V], error) {
	if opts.Order == nil {
		return nil, ErrNilKeyOrder
	}
	if opts.KeyCodec.Encode == nil || opts.KeyCodec.Decode == nil || opts.ValueCodec.Encode == nil || opts.ValueCodec.Decode == nil {
		return nil, ErrNilCodec
	}
	if opts.MaxLevel == 0 {
		opts.MaxLevel = DefaultMaxLevel
	}
	if opts.MaxLevel < 1 || opts.MaxLevel > MaxLevelLimit {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, opts.MaxLevel)
	}
	if opts.Probability <= 0 || opts.Probability >= 1 {
		opts.Probability = DefaultProbability
	}
	if opts.KeyCacheSize <= 0 {
		opts.KeyCacheSize = DefaultKeyCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = internaltelemetry.NoopStorageMetrics()
	}
	if cache == nil {
		cache = pagemanager.Shared()
	}

	file, err := cache.Open(path)
	if err != nil {
		return nil, err
	}
	keys, err := lru.New[uint64, cachedKey[K]](opts.KeyCacheSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	l := &SkipList[K, V]{
		path:       path,
		order:      opts.Order,
		keyCodec:   opts.KeyCodec,
		valueCodec: opts.ValueCodec,
		p:          opts.Probability,
		st:         &store{file: file},
		epochs:     newEpochs(),
		keys:       keys,
		logger:     opts.Logger.Named("skiplist").With(zap.String("path", path)),
		metrics:    opts.Metrics,
	}

	if file.Size() == 0 {
		if err := l.st.initialize(opts.MaxLevel); err != nil {
			_ = file.Close()
			return nil, err
		}
		l.maxLevel = opts.MaxLevel
		l.level.Store(1)
		l.logger.Info("created skip list", zap.Int("maxLevel", l.maxLevel))
		return l, nil
	}

	h, err := l.st.readHeader()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if h.maxLevel < 1 || h.maxLevel > MaxLevelLimit || h.level < 1 || h.level > h.maxLevel {
		_ = file.Close()
		return nil, fmt.Errorf("%w: levels %d/%d", ErrCorruptIndex, h.level, h.maxLevel)
	}
	l.maxLevel = h.maxLevel
	l.level.Store(int32(h.level))
	l.count.Store(int64(h.count))
	l.logger.Info("opened skip list", zap.Uint64("size", h.count), zap.Int("maxLevel", h.maxLevel))
	return l, nil
}

// Path returns the backing file path.
func (l *SkipList[K, V]) Path() string { return l.path }

// Size returns the number of live keys.
func (l *SkipList[K, V]) Size() int { return int(l.count.Load()) }

func (l *SkipList[K, V]) randomLevel() int {
	lvl := 1
	for lvl < l.maxLevel && rand.Float64() < l.p {
		lvl++
	}
	return lvl
}

func (l *SkipList[K, V]) raiseLevel(lvl int) {
	for {
		cur := l.level.Load()
		if int32(lvl) <= cur || l.level.CompareAndSwap(cur, int32(lvl)) {
			return
		}
	}
}

// --- Epochs and reclamation ---

func (l *SkipList[K, V]) enter() uint64 { return l.epochs.enter() }

func (l *SkipList[K, V]) exit(ep uint64) {
	l.release(l.epochs.exit(ep))
}

func (l *SkipList[K, V]) release(regions []retiredRegion) {
	for _, r := range regions {
		l.keys.Remove(r.off)
		if err := l.st.free(r.off, r.size); err != nil {
			// The region is leaked, not corrupted.
			l.logger.Warn("failed to release region", zap.Uint64("offset", r.off), zap.Error(err))
		}
	}
}

// --- Striped locks ---

func stripeOf(off uint64) int {
	return int((off * 0x9E3779B97F4A7C15) >> 56)
}

type lockSet struct {
	held [MaxLevelLimit + 1]int
	n    int
}

// lockNodes locks the stripes covering nodes in ascending stripe order so
// that writers with overlapping sets cannot deadlock.
func (l *SkipList[K, V]) lockNodes(nodes ...uint64) *lockSet {
	ls := &lockSet{}
	for _, n := range nodes {
		s := stripeOf(n)
		if !slices.Contains(ls.held[:ls.n], s) {
			ls.held[ls.n] = s
			ls.n++
		}
	}
	slices.Sort(ls.held[:ls.n])
	for _, s := range ls.held[:ls.n] {
		l.stripes[s].Lock()
	}
	return ls
}

func (l *SkipList[K, V]) unlock(ls *lockSet) {
	for i := ls.n - 1; i >= 0; i-- {
		l.stripes[ls.held[i]].Unlock()
	}
}

// --- Node access ---

// nodeKey returns the decoded key and level of node, from cache when
// possible. Both are immutable for the node's lifetime.
func (l *SkipList[K, V]) nodeKey(node uint64) (cachedKey[K], error) {
	if ck, ok := l.keys.Get(node); ok {
		return ck, nil
	}
	h, err := l.st.readNodeHeader(node)
	if err != nil {
		return cachedKey[K]{}, err
	}
	raw, err := l.st.readKeyBytes(node, h)
	if err != nil {
		return cachedKey[K]{}, err
	}
	k, err := l.keyCodec.Decode(raw)
	if err != nil {
		return cachedKey[K]{}, fmt.Errorf("%w: key of node %d: %w", ErrCorruptIndex, node, err)
	}
	ck := cachedKey[K]{key: k, level: h.level}
	l.keys.Add(node, ck)
	return ck, nil
}

func (l *SkipList[K, V]) nodeValue(node uint64, level int) (V, error) {
	var zero V
	ptr, err := l.st.readU64(valueSlot(node, level))
	if err != nil {
		return zero, err
	}
	raw, err := l.st.readValueRecord(ptr)
	if err != nil {
		return zero, err
	}
	v, err := l.valueCodec.Decode(raw)
	if err != nil {
		return zero, fmt.Errorf("%w: value of node %d: %w", ErrCorruptIndex, node, err)
	}
	return v, nil
}

// find fills preds and succs for key at every level and returns the
// highest level at which a node with key was seen, or -1.
func (l *SkipList[K, V]) find(key K, preds, succs []uint64) (int, error) {
	found := -1
	top := int(l.level.Load())
	for lv := l.maxLevel - 1; lv >= top; lv-- {
		preds[lv], succs[lv] = headNodeOffset, nilOffset
	}
	pred := uint64(headNodeOffset)
	for lv := top - 1; lv >= 0; lv-- {
		curr, err := l.st.next(pred, lv)
		if err != nil {
			return -1, err
		}
		for curr != nilOffset {
			ck, err := l.nodeKey(curr)
			if err != nil {
				return -1, err
			}
			c := l.order(ck.key, key)
			if c > 0 {
				break
			}
			if c == 0 {
				if found == -1 {
					found = lv
				}
				break
			}
			pred = curr
			if curr, err = l.st.next(pred, lv); err != nil {
				return -1, err
			}
		}
		preds[lv], succs[lv] = pred, curr
	}
	return found, nil
}

// --- Public API ---

// Get returns the value stored under key.
func (l *SkipList[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if l.closed.Load() {
		return zero, false, ErrClosed
	}
	l.metrics.IndexOpsCounter.Add(context.Background(), 1, opGet)

	ep := l.enter()
	defer l.exit(ep)

	var preds, succs [MaxLevelLimit]uint64
	found, err := l.find(key, preds[:], succs[:])
	if err != nil || found == -1 {
		return zero, false, err
	}
	node := succs[found]
	h, err := l.st.readNodeHeader(node)
	if err != nil {
		return zero, false, err
	}
	if !h.fullyLinked() || h.marked() {
		return zero, false, nil
	}
	v, err := l.nodeValue(node, h.level)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Contains reports whether key is present.
func (l *SkipList[K, V]) Contains(key K) (bool, error) {
	_, ok, err := l.Get(key)
	return ok, err
}

// Put inserts or replaces the value for key and returns the previous value
// if there was one.
func (l *SkipList[K, V]) Put(key K, value V) (V, bool, error) {
	var zero V
	if l.closed.Load() {
		return zero, false, ErrClosed
	}
	l.metrics.IndexOpsCounter.Add(context.Background(), 1, opPut)

	rawKey, err := l.keyCodec.Encode(key)
	if err != nil {
		return zero, false, err
	}
	rawValue, err := l.valueCodec.Encode(value)
	if err != nil {
		return zero, false, err
	}
	valuePtr, err := l.st.writeValueRecord(rawValue)
	if err != nil {
		return zero, false, err
	}
	valueSize := valueHeaderSize + len(rawValue)

	ep := l.enter()
	defer l.exit(ep)

	topLevel := l.randomLevel()
	var preds, succs [MaxLevelLimit]uint64
	for {
		found, err := l.find(key, preds[:], succs[:])
		if err != nil {
			l.discard(valuePtr, valueSize)
			return zero, false, err
		}

		if found != -1 {
			node := succs[found]
			h, err := l.st.readNodeHeader(node)
			if err != nil {
				l.discard(valuePtr, valueSize)
				return zero, false, err
			}
			if h.marked() || !h.fullyLinked() {
				// Being removed or still being inserted: wait for it to settle.
				runtime.Gosched()
				continue
			}
			old, ok, err := l.replaceValue(node, h.level, valuePtr)
			if err != nil {
				l.discard(valuePtr, valueSize)
				return zero, false, err
			}
			if !ok {
				continue
			}
			return old, true, nil
		}

		l.raiseLevel(topLevel)
		ls := l.lockNodes(preds[:topLevel]...)
		valid, err := l.validateInsert(preds[:topLevel], succs[:topLevel])
		if err != nil || !valid {
			l.unlock(ls)
			if err != nil {
				l.discard(valuePtr, valueSize)
				return zero, false, err
			}
			continue
		}

		node, err := l.linkNode(topLevel, rawKey, valuePtr, preds[:topLevel], succs[:topLevel])
		l.unlock(ls)
		if err != nil {
			l.discard(valuePtr, valueSize)
			return zero, false, err
		}
		l.keys.Add(node, cachedKey[K]{key: key, level: topLevel})
		l.count.Add(1)
		return zero, false, nil
	}
}

// discard frees a value record that was never published.
func (l *SkipList[K, V]) discard(ptr uint64, size int) {
	if err := l.st.free(ptr, size); err != nil {
		l.logger.Warn("failed to release unused value record", zap.Uint64("offset", ptr), zap.Error(err))
	}
}

// validateInsert checks, under the predecessor locks, that every pred is
// live and still points at the succ recorded by the search.
func (l *SkipList[K, V]) validateInsert(preds, succs []uint64) (bool, error) {
	for lv := range preds {
		ph, err := l.st.readNodeHeader(preds[lv])
		if err != nil {
			return false, err
		}
		if ph.marked() {
			return false, nil
		}
		if succs[lv] != nilOffset {
			sh, err := l.st.readNodeHeader(succs[lv])
			if err != nil {
				return false, err
			}
			if sh.marked() {
				return false, nil
			}
		}
		nx, err := l.st.next(preds[lv], lv)
		if err != nil {
			return false, err
		}
		if nx != succs[lv] {
			return false, nil
		}
	}
	return true, nil
}

// linkNode writes a new node and publishes it bottom-up. The node is fully
// written before any predecessor points at it; fullyLinked is set last.
func (l *SkipList[K, V]) linkNode(level int, rawKey []byte, valuePtr uint64, preds, succs []uint64) (uint64, error) {
	size := nodeSize(level, len(rawKey))
	node, err := l.st.alloc(size)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	buf[1] = byte(level)
	putU32(buf[4:8], uint32(len(rawKey)))
	for lv := 0; lv < level; lv++ {
		putU64(buf[nodeHeaderSize+8*lv:], succs[lv])
	}
	putU64(buf[nodeHeaderSize+8*level:], valuePtr)
	copy(buf[nodeHeaderSize+8*level+8:], rawKey)
	if _, err := l.st.file.Write(int64(node), buf); err != nil {
		_ = l.st.free(node, size)
		return 0, err
	}

	for lv := 0; lv < level; lv++ {
		if err := l.st.setNext(preds[lv], lv, node); err != nil {
			return 0, err
		}
	}
	if err := l.st.writeNodeHeader(node, nodeHeader{flags: flagFullyLinked, level: level, keyLen: len(rawKey)}); err != nil {
		return 0, err
	}
	return node, nil
}

// replaceValue swaps the value pointer of a live node. It reports false if
// the node was removed before its lock was acquired.
func (l *SkipList[K, V]) replaceValue(node uint64, level int, valuePtr uint64) (V, bool, error) {
	var zero V
	ls := l.lockNodes(node)
	defer l.unlock(ls)

	h, err := l.st.readNodeHeader(node)
	if err != nil {
		return zero, false, err
	}
	if h.marked() {
		return zero, false, nil
	}
	oldPtr, err := l.st.readU64(valueSlot(node, level))
	if err != nil {
		return zero, false, err
	}
	old, err := l.nodeValue(node, level)
	if err != nil {
		return zero, false, err
	}
	oldSize, err := l.st.valueRecordSize(oldPtr)
	if err != nil {
		return zero, false, err
	}
	if err := l.st.writeU64(valueSlot(node, level), valuePtr); err != nil {
		return zero, false, err
	}
	l.epochs.retire(oldPtr, oldSize)
	return old, true, nil
}

// Remove deletes key and returns the value it held.
func (l *SkipList[K, V]) Remove(key K) (V, bool, error) {
	var zero V
	if l.closed.Load() {
		return zero, false, ErrClosed
	}
	l.metrics.IndexOpsCounter.Add(context.Background(), 1, opRemove)

	ep := l.enter()
	defer l.exit(ep)

	var preds, succs [MaxLevelLimit]uint64
	for {
		found, err := l.find(key, preds[:], succs[:])
		if err != nil || found == -1 {
			return zero, false, err
		}
		victim := succs[found]
		vh, err := l.st.readNodeHeader(victim)
		if err != nil {
			return zero, false, err
		}
		if vh.marked() || !vh.fullyLinked() || vh.level-1 != found {
			return zero, false, nil
		}

		nodes := append([]uint64{victim}, preds[:vh.level]...)
		ls := l.lockNodes(nodes...)
		old, ok, err := l.unlinkLocked(victim, vh, preds[:vh.level])
		l.unlock(ls)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			continue
		}
		l.count.Add(-1)
		return old, true, nil
	}
}

// unlinkLocked marks victim and relinks its predecessors around it, top
// level first. The caller holds the stripes of victim and preds.
func (l *SkipList[K, V]) unlinkLocked(victim uint64, vh nodeHeader, preds []uint64) (V, bool, error) {
	var zero V
	cur, err := l.st.readNodeHeader(victim)
	if err != nil {
		return zero, false, err
	}
	if cur.marked() {
		return zero, false, nil
	}
	for lv, pred := range preds {
		ph, err := l.st.readNodeHeader(pred)
		if err != nil {
			return zero, false, err
		}
		nx, err := l.st.next(pred, lv)
		if err != nil {
			return zero, false, err
		}
		if ph.marked() || nx != victim {
			return zero, false, nil
		}
	}

	valuePtr, err := l.st.readU64(valueSlot(victim, vh.level))
	if err != nil {
		return zero, false, err
	}
	old, err := l.nodeValue(victim, vh.level)
	if err != nil {
		return zero, false, err
	}
	valueSize, err := l.st.valueRecordSize(valuePtr)
	if err != nil {
		return zero, false, err
	}

	vh.flags |= flagMarked
	if err := l.st.writeNodeHeader(victim, vh); err != nil {
		return zero, false, err
	}
	for lv := len(preds) - 1; lv >= 0; lv-- {
		nx, err := l.st.next(victim, lv)
		if err != nil {
			return zero, false, err
		}
		if err := l.st.setNext(preds[lv], lv, nx); err != nil {
			return zero, false, err
		}
	}
	l.epochs.retire(victim, nodeSize(vh.level, vh.keyLen))
	l.epochs.retire(valuePtr, valueSize)
	return old, true, nil
}

// --- Lifecycle ---

func (l *SkipList[K, V]) header() fileHeader {
	return fileHeader{maxLevel: l.maxLevel, count: uint64(l.count.Load()), level: int(l.level.Load())}
}

// Flush persists the header and writes every dirty page of the list.
func (l *SkipList[K, V]) Flush() error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := l.st.writeHeader(l.header()); err != nil {
		return err
	}
	return l.st.file.Flush()
}

// Sync flushes and fsyncs the backing file.
func (l *SkipList[K, V]) Sync() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.st.file.Sync()
}

// Close persists the list and releases its file. Regions still waiting for
// readers are released first; Close must not race with other calls.
func (l *SkipList[K, V]) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.release(l.epochs.drain())
	err := l.st.writeHeader(l.header())
	err = multierr.Append(err, l.st.file.Close())
	l.keys.Purge()
	if err != nil {
		l.logger.Error("closing skip list", zap.Error(err))
		return err
	}
	l.logger.Info("closed skip list", zap.Int64("size", l.count.Load()))
	return nil
}

// Drop closes the list and deletes its file.
func (l *SkipList[K, V]) Drop() error {
	err := l.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = multierr.Append(err, rmErr)
	}
	return err
}
