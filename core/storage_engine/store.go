// Package storageengine ties the page cache, the skip list index and the
// write-ahead log into a store of named, durable ordered containers.
//
// Every mutation is appended to the log before it is applied to its
// container. Checkpoints snapshot the container files next to a CHECKPOINT
// record carrying the log position they include; after an unclean shutdown
// the snapshots are restored and the log is replayed from that position.
package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/encoding/bufferstream"
	"github.com/sushant-115/gojostore/core/indexing/skiplist"
	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/transaction"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

const (
	lockFileName       = "LOCK"
	dirtyFileName      = "DIRTY"
	checkpointFileName = "CHECKPOINT"
	walDirName         = "wal"

	dataSuffix     = ".db"
	snapshotSuffix = ".db.ckpt"
)

var (
	ErrLocked         = errors.New("store directory is locked by another process")
	ErrStoreClosed    = errors.New("store is closed")
	ErrInvalidName    = errors.New("invalid container name")
	ErrUnknownTxnType = errors.New("unknown transaction type")
)

// IndexConfig tunes the skip lists backing containers.
type IndexConfig struct {
	MaxLevel     int     `yaml:"max_level"`
	Probability  float64 `yaml:"probability"`
	KeyCacheSize int     `yaml:"key_cache_size"`
}

// Config describes a store.
type Config struct {
	DataDir   string             `yaml:"data_dir"`
	PageCache pagemanager.Config `yaml:"page_cache"`
	Index     IndexConfig        `yaml:"index"`
	WAL       wal.Config         `yaml:"wal"`
	// CopyRateBytesPerSec throttles checkpoint snapshots and backups; 0 is
	// unthrottled.
	CopyRateBytesPerSec int64 `yaml:"copy_rate_bytes_per_sec"`
}

// DefaultConfig returns the configuration of a store rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		DataDir:   dir,
		PageCache: pagemanager.DefaultConfig(),
		Index: IndexConfig{
			MaxLevel:     skiplist.DefaultMaxLevel,
			Probability:  skiplist.DefaultProbability,
			KeyCacheSize: skiplist.DefaultKeyCacheSize,
		},
		WAL: wal.DefaultConfig(filepath.Join(dir, walDirName)),
	}
}

// Stats is a point-in-time view of a store.
type Stats struct {
	Containers    map[string]int
	Cache         pagemanager.Stats
	LSN           uint64
	CheckpointLSN uint64
}

// Store is a set of named containers sharing one page cache and one log.
type Store struct {
	cfg      Config
	dir      string
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *internaltelemetry.StorageMetrics
	registry *bufferstream.Registry

	lockFile *os.File
	cache    *pagemanager.PageCache
	wal      *wal.LogManager

	mu         sync.RWMutex // Guards containers.
	containers map[string]*Container

	// commitMu is held shared by mutations and exclusively by checkpoints,
	// so a checkpoint sees every container at the same log position.
	commitMu sync.RWMutex
	// ckptMu serializes checkpoints and backups.
	ckptMu  sync.Mutex
	ckptLSN atomic.Uint64

	closed atomic.Bool
}

// Open opens (creating if needed) the store in cfg.DataDir. If the previous
// process did not close the store, container files are restored from their
// last checkpoint snapshots and the log is replayed past the checkpoint.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("store data directory must be set")
	}
	if cfg.WAL.SegmentSizeBytes == 0 {
		cfg.WAL = wal.DefaultConfig(cfg.WAL.Dir)
	}
	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = filepath.Join(cfg.DataDir, walDirName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	var tracer trace.Tracer = noop.NewTracerProvider().Tracer("")
	metrics := internaltelemetry.NoopStorageMetrics()
	if tel != nil {
		if tel.Tracer != nil {
			tracer = tel.Tracer
		}
		if tel.Meter != nil {
			m, err := internaltelemetry.NewStorageMetrics(tel.Meter)
			if err != nil {
				return nil, fmt.Errorf("failed to create storage metrics: %w", err)
			}
			metrics = m
		}
	}

	ctx, span := tracer.Start(ctx, "Store.Open")
	defer span.End()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	lockFile, err := lockDir(filepath.Join(cfg.DataDir, lockFileName))
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:        cfg,
		dir:        cfg.DataDir,
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
		registry:   bufferstream.DefaultRegistry,
		lockFile:   lockFile,
		containers: make(map[string]*Container),
	}
	if err := s.open(ctx); err != nil {
		span.RecordError(err)
		for _, c := range s.snapshotContainers() {
			err = multierr.Append(err, c.list.Close())
		}
		err = multierr.Append(err, s.release())
		return nil, err
	}
	return s, nil
}

func (s *Store) open(ctx context.Context) error {
	unclean, err := common.Exists(s.path(dirtyFileName))
	if err != nil {
		return err
	}
	ckpt, err := s.readCheckpoint()
	if err != nil {
		return err
	}
	s.ckptLSN.Store(ckpt.LSN)

	names, err := s.discover()
	if err != nil {
		return err
	}
	if err := s.restoreSnapshots(ctx, names, unclean); err != nil {
		return err
	}
	if err := common.WriteFileAtomic(s.path(dirtyFileName), nil); err != nil {
		return fmt.Errorf("failed to mark store dirty: %w", err)
	}

	if s.cache, err = pagemanager.NewPageCache(s.cfg.PageCache, s.logger, s.metrics); err != nil {
		return err
	}
	if s.wal, err = wal.NewLogManager(s.cfg.WAL, s.logger, s.metrics); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.container(name); err != nil {
			return err
		}
	}

	if last := s.wal.CurrentLSN(); last < ckpt.LSN {
		// The log is older than the snapshot, as after restoring a backup.
		// Rebase the checkpoint so later replays start at the log's end.
		s.logger.Warn("Log ends before the checkpoint; rebasing checkpoint",
			zap.Uint64("checkpoint_lsn", ckpt.LSN),
			zap.Uint64("log_lsn", last))
		if err := s.writeCheckpoint(checkpointRecord{LSN: last, Containers: names}); err != nil {
			return err
		}
		s.ckptLSN.Store(last)
	} else if unclean {
		res, err := s.wal.Replay(ctx, transaction.All, replayApplier{s}, ckpt.LSN)
		if err != nil {
			return fmt.Errorf("crash recovery failed: %w", err)
		}
		s.logger.Info("Recovered store after unclean shutdown",
			zap.Uint64("checkpoint_lsn", ckpt.LSN),
			zap.Int("replayed", res.Applied),
			zap.Uint64("last_lsn", res.LastLSN),
			zap.Bool("torn_tail", res.Truncated))
	}

	s.logger.Info("Store opened",
		zap.String("dir", s.dir),
		zap.Int("containers", len(names)),
		zap.Bool("unclean", unclean),
		zap.Uint64("lsn", s.wal.CurrentLSN()))
	return nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) dataPath(container string) string {
	return s.path(container + dataSuffix)
}

func (s *Store) snapshotPath(container string) string {
	return s.path(container + snapshotSuffix)
}

// discover lists containers that have a data file or a snapshot.
func (s *Store) discover() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory %s: %w", s.dir, err)
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, snapshotSuffix):
			name = strings.TrimSuffix(name, snapshotSuffix)
		case strings.HasSuffix(name, dataSuffix):
			name = strings.TrimSuffix(name, dataSuffix)
		default:
			continue
		}
		if validName(name) == nil {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// restoreSnapshots replaces data files with their snapshots after an unclean
// shutdown, or wherever a data file is missing. A container created after
// the last checkpoint has no snapshot; after a crash its file is discarded
// and rebuilt by replay.
func (s *Store) restoreSnapshots(ctx context.Context, names []string, unclean bool) error {
	for _, name := range names {
		data, snap := s.dataPath(name), s.snapshotPath(name)
		hasData, err := common.Exists(data)
		if err != nil {
			return err
		}
		if hasData && !unclean {
			continue
		}
		hasSnap, err := common.Exists(snap)
		if err != nil {
			return err
		}
		if !hasSnap {
			if err := os.Remove(data); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to discard %s: %w", data, err)
			}
			s.logger.Info("Discarded container file without snapshot", zap.String("container", name))
			continue
		}
		stats, err := common.CopyThrottled(ctx, snap, data, 0)
		if err != nil {
			return fmt.Errorf("failed to restore %s from snapshot: %w", name, err)
		}
		s.logger.Info("Restored container from snapshot",
			zap.String("container", name),
			zap.Int64("bytes", stats.Bytes))
	}
	return nil
}

func validName(name string) error {
	if name == "" || len(name) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Container returns the named container, creating it on first use.
func (s *Store) Container(name string) (*Container, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.container(name)
}

func (s *Store) container(name string) (*Container, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	c, ok := s.containers[name]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[name]; ok {
		return c, nil
	}
	codec := skiplist.BufferStreamCodec[any](s.registry)
	list, err := skiplist.Open[any, any](s.cache, s.dataPath(name), skiplist.Options[any, any]{
		Order:        skiplist.CompareAny,
		KeyCodec:     codec,
		ValueCodec:   codec,
		MaxLevel:     s.cfg.Index.MaxLevel,
		Probability:  s.cfg.Index.Probability,
		KeyCacheSize: s.cfg.Index.KeyCacheSize,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open container %s: %w", name, err)
	}
	c = &Container{store: s, name: name, list: list}
	s.containers[name] = c
	return c, nil
}

// Containers returns the names of the open containers in order.
func (s *Store) Containers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.containers))
	for n := range s.containers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Store) snapshotContainers() []*Container {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Container, 0, len(s.containers))
	for _, c := range s.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Append logs txn and applies it to its container, creating the container
// if needed. It returns the LSN assigned to txn.
func (s *Store) Append(txn *transaction.Transaction) (uint64, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	c, err := s.Container(txn.Container)
	if err != nil {
		return 0, err
	}
	unlock, err := c.lockKey(txn.Key)
	if err != nil {
		return 0, err
	}
	defer unlock()
	if _, _, err := c.commit(txn); err != nil {
		return 0, err
	}
	return txn.LSN, nil
}

// LSN returns the LSN of the last logged transaction.
func (s *Store) LSN() uint64 { return s.wal.CurrentLSN() }

// CheckpointLSN returns the log position covered by the last checkpoint.
func (s *Store) CheckpointLSN() uint64 { return s.ckptLSN.Load() }

// Stats reports container sizes, page cache counters and log positions.
func (s *Store) Stats() Stats {
	st := Stats{
		Containers:    make(map[string]int),
		Cache:         s.cache.Stats(),
		LSN:           s.wal.CurrentLSN(),
		CheckpointLSN: s.ckptLSN.Load(),
	}
	for _, c := range s.snapshotContainers() {
		st.Containers[c.name] = c.Size()
	}
	return st
}

// Close checkpoints the store, closes every container and the log, and
// releases the directory lock. If the final checkpoint fails the store is
// left marked dirty so the next Open recovers it.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, span := s.tracer.Start(context.Background(), "Store.Close")
	defer span.End()

	_, ckptErr := s.checkpoint(ctx)
	s.commitMu.Lock()
	err := ckptErr
	for _, c := range s.snapshotContainers() {
		err = multierr.Append(err, c.list.Close())
	}
	s.commitMu.Unlock()
	if ckptErr == nil && err == nil {
		if rmErr := os.Remove(s.path(dirtyFileName)); rmErr != nil {
			err = multierr.Append(err, rmErr)
		}
	}
	err = multierr.Append(err, s.release())
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Store closed with errors", zap.Error(err))
		return err
	}
	s.logger.Info("Store closed", zap.Uint64("checkpoint_lsn", s.ckptLSN.Load()))
	return nil
}

// release closes the log, the page cache and the lock.
func (s *Store) release() error {
	var err error
	if s.wal != nil {
		err = multierr.Append(err, s.wal.Close())
	}
	if s.cache != nil {
		err = multierr.Append(err, s.cache.Close())
	}
	if s.lockFile != nil {
		err = multierr.Append(err, unlockDir(s.lockFile))
		s.lockFile = nil
	}
	return err
}

// crash releases every resource without checkpointing and leaves the
// DIRTY marker behind, as if the process died after the last log sync.
// Tests use it to exercise recovery.
func (s *Store) crash() {
	s.closed.Store(true)
	for _, c := range s.snapshotContainers() {
		_ = c.list.Close()
	}
	_ = s.release()
}

var _ indexmanager.TransactionLog = (*Store)(nil)
