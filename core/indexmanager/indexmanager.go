// Package indexmanager defines the surfaces the storage core exposes to its
// consumers: an ordered key-value map and a replayable transaction log.
package indexmanager

import (
	"context"
	"iter"

	"github.com/sushant-115/gojostore/core/transaction"
)

// OrderedMap is a persistent map that iterates in key order.
type OrderedMap[K any, V any] interface {
	// Get returns the value stored under key and whether it was present.
	Get(key K) (V, bool, error)
	// Put stores value under key and returns the previous value, if any.
	Put(key K, value V) (V, bool, error)
	// Remove deletes key and returns the value it held, if any.
	Remove(key K) (V, bool, error)
	ForEach(fn func(key K, value V) bool) error
	Keys() iter.Seq2[K, error]
	Values() iter.Seq2[V, error]
	Size() int
}

// Applier receives replayed transactions in log order.
type Applier interface {
	Apply(ctx context.Context, txn *transaction.Transaction) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, txn *transaction.Transaction) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, txn *transaction.Transaction) error {
	return f(ctx, txn)
}

// TransactionLog is the append/replay contract of the write-ahead log.
type TransactionLog interface {
	// Append durably records txn, assigns its LSN and returns it.
	Append(txn *transaction.Transaction) (uint64, error)
	// RecoverDatabase replays every segment under dir, in log order, passing
	// transactions accepted by pred to the applier.
	RecoverDatabase(ctx context.Context, dir string, pred transaction.Predicate) (int, error)
	// ApplyTransactionLog replays a single segment file.
	ApplyTransactionLog(ctx context.Context, path string, pred transaction.Predicate) (int, error)
}
