package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/transaction"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

// ReplayOptions tunes a replay.
type ReplayOptions struct {
	// AfterLSN skips records at or below this LSN, typically the LSN of the
	// last checkpoint.
	AfterLSN LSN
	Logger   *zap.Logger
	Metrics  *internaltelemetry.StorageMetrics
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Applied   int  // transactions handed to the applier
	Skipped   int  // transactions rejected by AfterLSN or the predicate
	LastLSN   LSN  // LSN of the last valid record read
	Truncated bool // the log ended in a torn record that was discarded
}

// RecoverDatabase replays every segment in dir in log order, handing each
// transaction accepted by pred to applier. A torn record at the end of the
// newest segment ends the replay cleanly.
func RecoverDatabase(ctx context.Context, dir string, pred transaction.Predicate, applier indexmanager.Applier, opts ReplayOptions) (ReplayResult, error) {
	r, err := NewReader(dir, opts.Logger)
	if err != nil {
		return ReplayResult{}, err
	}
	defer r.Close()
	return replay(ctx, dir, r, pred, applier, opts)
}

// ApplyTransactionLog replays the single segment file at path into an
// already initialized store.
func ApplyTransactionLog(ctx context.Context, path string, pred transaction.Predicate, applier indexmanager.Applier, opts ReplayOptions) (ReplayResult, error) {
	r, err := NewSegmentReader(path, opts.Logger)
	if err != nil {
		return ReplayResult{}, err
	}
	defer r.Close()
	return replay(ctx, path, r, pred, applier, opts)
}

func replay(ctx context.Context, source string, r *Reader, pred transaction.Predicate, applier indexmanager.Applier, opts ReplayOptions) (ReplayResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("wal_replay")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	if pred == nil {
		pred = transaction.All
	}

	start := time.Now()
	logger.Info("Starting log replay", zap.String("source", source), zap.Uint64("after_lsn", opts.AfterLSN))

	var res ReplayResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		txn, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("log replay of %s stopped after LSN %d: %w", source, res.LastLSN, err)
		}
		res.LastLSN = txn.LSN
		if txn.LSN <= opts.AfterLSN || !pred(txn) {
			res.Skipped++
			continue
		}
		if err := applier.Apply(ctx, txn); err != nil {
			return res, fmt.Errorf("failed to apply %s: %w", txn, err)
		}
		res.Applied++
	}
	res.Truncated = r.Truncated()
	metrics.WALRecoveredCounter.Add(ctx, int64(res.Applied))

	logger.Info("Log replay finished",
		zap.String("source", source),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Uint64("last_lsn", res.LastLSN),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// Replay flushes the log and replays all of it with RecoverDatabase.
func (lm *LogManager) Replay(ctx context.Context, pred transaction.Predicate, applier indexmanager.Applier, afterLSN LSN) (ReplayResult, error) {
	if err := lm.Sync(); err != nil {
		return ReplayResult{}, err
	}
	return RecoverDatabase(ctx, lm.cfg.Dir, pred, applier, ReplayOptions{
		AfterLSN: afterLSN,
		Logger:   lm.logger,
		Metrics:  lm.metrics,
	})
}
