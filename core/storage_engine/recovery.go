package storageengine

import (
	"context"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/transaction"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// replayApplier applies transactions that are already in this store's log.
type replayApplier struct{ s *Store }

func (a replayApplier) Apply(_ context.Context, txn *transaction.Transaction) error {
	c, err := a.s.container(txn.Container)
	if err != nil {
		return err
	}
	_, _, err = c.apply(txn)
	return err
}

// applierFor picks how replayed transactions reach the store. Records read
// from this store's own log are re-applied without logging them again;
// records from anywhere else are logged first like any other mutation.
func (s *Store) applierFor(source string) indexmanager.Applier {
	own := mustAbs(s.wal.Dir())
	src := mustAbs(source)
	if src == own || strings.HasPrefix(src, own+string(filepath.Separator)) {
		return replayApplier{s}
	}
	return indexmanager.ApplierFunc(func(_ context.Context, txn *transaction.Transaction) error {
		_, err := s.Append(txn)
		return err
	})
}

func (s *Store) replayOptions() wal.ReplayOptions {
	return wal.ReplayOptions{Logger: s.logger, Metrics: s.metrics}
}

// RecoverDatabase replays every segment of the log in dir, in order,
// applying the transactions accepted by pred to this store. It returns the
// number of transactions applied.
func (s *Store) RecoverDatabase(ctx context.Context, dir string, pred transaction.Predicate) (int, error) {
	return s.replay(ctx, "Store.RecoverDatabase", dir, func(ctx context.Context, a indexmanager.Applier) (wal.ReplayResult, error) {
		return wal.RecoverDatabase(ctx, dir, pred, a, s.replayOptions())
	})
}

// ApplyTransactionLog replays a single log segment file into this store.
func (s *Store) ApplyTransactionLog(ctx context.Context, path string, pred transaction.Predicate) (int, error) {
	return s.replay(ctx, "Store.ApplyTransactionLog", path, func(ctx context.Context, a indexmanager.Applier) (wal.ReplayResult, error) {
		return wal.ApplyTransactionLog(ctx, path, pred, a, s.replayOptions())
	})
}

// replay runs fn with the applier suited to source. Replaying this store's
// own log excludes concurrent mutations, since re-applied records must not
// interleave with new ones.
func (s *Store) replay(ctx context.Context, op, source string, fn func(context.Context, indexmanager.Applier) (wal.ReplayResult, error)) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("source", source)))
	defer span.End()

	applier := s.applierFor(source)
	if _, own := applier.(replayApplier); own {
		s.commitMu.Lock()
		defer s.commitMu.Unlock()
		if err := s.wal.Sync(); err != nil {
			span.RecordError(err)
			return 0, err
		}
	}
	res, err := fn(ctx, applier)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("applied", res.Applied), attribute.Bool("truncated", res.Truncated))
	return res.Applied, err
}
