package storageengine

import (
	"encoding/binary"
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/encoding/bufferstream"
	"github.com/sushant-115/gojostore/core/indexing/skiplist"
	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/transaction"
)

const keyStripes = 64

// Container is a named ordered map inside a Store. Mutations are logged
// before they are applied; reads go straight to the skip list.
type Container struct {
	store *Store
	name  string
	list  *skiplist.SkipList[any, any]

	// Mutations of one key are serialized so the log and the index apply
	// them in the same order.
	stripes [keyStripes]sync.Mutex
}

var _ indexmanager.OrderedMap[any, any] = (*Container)(nil)

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// Get returns the value stored under key.
func (c *Container) Get(key any) (any, bool, error) {
	if c.store.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	return c.list.Get(key)
}

// Put logs a SAVE (new key) or UPDATE (existing key) and stores value.
func (c *Container) Put(key, value any) (any, bool, error) {
	s := c.store
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	unlock, err := c.lockKey(key)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	exists, err := c.list.Contains(key)
	if err != nil {
		return nil, false, err
	}
	typ := transaction.TxnTypeSave
	if exists {
		typ = transaction.TxnTypeUpdate
	}
	return c.commit(transaction.New(typ, c.name, key, value))
}

// Remove logs a DELETE and removes key. Removing an absent key logs nothing.
func (c *Container) Remove(key any) (any, bool, error) {
	s := c.store
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	unlock, err := c.lockKey(key)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	exists, err := c.list.Contains(key)
	if err != nil || !exists {
		return nil, false, err
	}
	return c.commit(transaction.New(transaction.TxnTypeDelete, c.name, key, nil))
}

// commit appends txn to the log and applies it.
// The caller holds the key's stripe and commitMu for reading.
func (c *Container) commit(txn *transaction.Transaction) (any, bool, error) {
	if _, err := c.store.wal.Append(txn); err != nil {
		return nil, false, fmt.Errorf("failed to log %s: %w", txn.Type, err)
	}
	prev, existed, err := c.apply(txn)
	if err != nil {
		// The log already holds txn; replay applies it after a restart.
		c.store.logger.Error("Logged transaction failed to apply",
			zap.Stringer("txn", txn),
			zap.Error(err))
	}
	return prev, existed, err
}

// apply performs txn on the skip list without logging it.
func (c *Container) apply(txn *transaction.Transaction) (any, bool, error) {
	switch txn.Type {
	case transaction.TxnTypeSave, transaction.TxnTypeUpdate:
		return c.list.Put(txn.Key, txn.Value)
	case transaction.TxnTypeDelete:
		return c.list.Remove(txn.Key)
	default:
		return nil, false, fmt.Errorf("%w: %v", ErrUnknownTxnType, txn.Type)
	}
}

// lockKey locks the stripe owning key. Keys that compare equal share a
// stripe, so numbers hash by value rather than by width.
func (c *Container) lockKey(key any) (func(), error) {
	h, err := c.keyHash(key)
	if err != nil {
		return nil, err
	}
	m := &c.stripes[h%keyStripes]
	m.Lock()
	return m.Unlock, nil
}

func (c *Container) keyHash(key any) (uint64, error) {
	if f, ok := numericKey(key); ok {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		return xxhash.Sum64(buf[:]), nil
	}
	raw, err := c.store.registry.Marshal(key)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(raw), nil
}

func numericKey(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		if x == 0 {
			return 0, true // -0 and +0 compare equal
		}
		return x, true
	case bufferstream.Char:
		return float64(x), true
	}
	return 0, false
}

// ForEach calls fn for each entry in key order until fn returns false.
func (c *Container) ForEach(fn func(key, value any) bool) error {
	if c.store.closed.Load() {
		return ErrStoreClosed
	}
	return c.list.ForEach(fn)
}

// Keys yields the keys in order.
func (c *Container) Keys() iter.Seq2[any, error] { return c.list.Keys() }

// Values yields the values in key order.
func (c *Container) Values() iter.Seq2[any, error] { return c.list.Values() }

// All yields the entries in key order.
func (c *Container) All() iter.Seq2[skiplist.Entry[any, any], error] { return c.list.All() }

// Range returns an iterator over keys in [from, to); nil bounds are open.
func (c *Container) Range(from, to any) *skiplist.Iterator[any, any] {
	var lo, hi *any
	if from != nil {
		lo = &from
	}
	if to != nil {
		hi = &to
	}
	return c.list.Range(lo, hi)
}

// First returns the smallest entry.
func (c *Container) First() (any, any, bool, error) { return c.list.First() }

// Size returns the number of keys.
func (c *Container) Size() int { return c.list.Size() }
