package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
)

// checkpointRecord is the content of the CHECKPOINT file: the log position
// the container snapshots include.
type checkpointRecord struct {
	LSN        uint64
	Containers []string
	Time       time.Time
}

func (s *Store) readCheckpoint() (checkpointRecord, error) {
	path := s.path(checkpointFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return checkpointRecord{}, nil
	}
	if err != nil {
		return checkpointRecord{}, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	v, err := s.registry.Unmarshal(data)
	if err != nil {
		return checkpointRecord{}, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return checkpointRecord{}, fmt.Errorf("checkpoint %s holds %T", path, v)
	}
	var rec checkpointRecord
	if rec.LSN, ok = m["lsn"].(uint64); !ok {
		return checkpointRecord{}, fmt.Errorf("checkpoint %s has no lsn", path)
	}
	rec.Containers, _ = m["containers"].([]string)
	rec.Time, _ = m["time"].(time.Time)
	return rec, nil
}

func (s *Store) writeCheckpoint(rec checkpointRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.Containers == nil {
		rec.Containers = []string{}
	}
	data, err := s.registry.Marshal(map[string]any{
		"lsn":        rec.LSN,
		"containers": rec.Containers,
		"time":       rec.Time,
	})
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(s.path(checkpointFileName), data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Checkpoint makes every container durable, snapshots the container files
// together with the current log position and discards the log segments the
// snapshot covers. It returns the checkpointed LSN.
func (s *Store) Checkpoint(ctx context.Context) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	return s.checkpoint(ctx)
}

func (s *Store) checkpoint(ctx context.Context) (uint64, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Checkpoint")
	defer span.End()
	start := time.Now()

	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()

	s.commitMu.Lock()
	lsn, names, err := s.snapshotLocked(ctx)
	s.commitMu.Unlock()
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Checkpoint failed", zap.Error(err))
		return 0, err
	}
	span.SetAttributes(attribute.Int64("lsn", int64(lsn)), attribute.Int("containers", len(names)))

	trimmed, err := s.wal.Checkpoint(lsn)
	if err != nil {
		// The snapshot is complete; the segments are trimmed next time.
		s.logger.Warn("Failed to trim log after checkpoint", zap.Uint64("lsn", lsn), zap.Error(err))
	}
	s.logger.Info("Checkpoint complete",
		zap.Uint64("lsn", lsn),
		zap.Strings("containers", names),
		zap.Int("segments_trimmed", trimmed),
		zap.Duration("elapsed", time.Since(start)))
	return lsn, nil
}

// snapshotLocked flushes every container, copies it next to itself and
// records the log position. The caller holds commitMu exclusively.
func (s *Store) snapshotLocked(ctx context.Context) (uint64, []string, error) {
	if err := s.wal.Sync(); err != nil {
		return 0, nil, err
	}
	lsn := s.wal.CurrentLSN()
	containers := s.snapshotContainers()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		g.Go(func() error {
			if err := c.list.Sync(); err != nil {
				return fmt.Errorf("failed to sync container %s: %w", c.name, err)
			}
			_, err := common.CopyVerified(gctx, c.list.Path(), s.snapshotPath(c.name)+".tmp", s.cfg.CopyRateBytesPerSec)
			if err != nil {
				return fmt.Errorf("failed to snapshot container %s: %w", c.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		snap := s.snapshotPath(c.name)
		if err := os.Rename(snap+".tmp", snap); err != nil {
			return 0, nil, fmt.Errorf("failed to publish snapshot of %s: %w", c.name, err)
		}
		names = append(names, c.name)
	}
	if err := common.SyncDir(s.dir); err != nil {
		return 0, nil, err
	}
	if err := s.writeCheckpoint(checkpointRecord{LSN: lsn, Containers: names}); err != nil {
		return 0, nil, err
	}
	s.ckptLSN.Store(lsn)
	return lsn, names, nil
}

// BackupInfo describes a finished backup.
type BackupInfo struct {
	LSN        uint64
	Containers []string
	Bytes      int64
}

// Backup checkpoints the store and copies the snapshots and the CHECKPOINT
// record into dstDir. Opening dstDir as a store restores the backup.
func (s *Store) Backup(ctx context.Context, dstDir string) (BackupInfo, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Backup", trace.WithAttributes(attribute.String("dst", dstDir)))
	defer span.End()

	if mustAbs(dstDir) == mustAbs(s.dir) {
		return BackupInfo{}, fmt.Errorf("backup directory must differ from the data directory")
	}
	if _, err := s.Checkpoint(ctx); err != nil {
		return BackupInfo{}, err
	}

	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()

	rec, err := s.readCheckpoint()
	if err != nil {
		return BackupInfo{}, err
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to create backup directory %s: %w", dstDir, err)
	}

	info := BackupInfo{LSN: rec.LSN, Containers: rec.Containers}
	files := make([]string, 0, len(rec.Containers)+1)
	for _, name := range rec.Containers {
		files = append(files, name+snapshotSuffix)
	}
	files = append(files, checkpointFileName)
	for _, f := range files {
		stats, err := common.CopyVerified(ctx, s.path(f), filepath.Join(dstDir, f), s.cfg.CopyRateBytesPerSec)
		if err != nil {
			span.RecordError(err)
			return BackupInfo{}, fmt.Errorf("failed to back up %s: %w", f, err)
		}
		info.Bytes += stats.Bytes
	}
	if err := common.SyncDir(dstDir); err != nil {
		return BackupInfo{}, err
	}
	s.logger.Info("Backup complete",
		zap.String("dst", dstDir),
		zap.Uint64("lsn", info.LSN),
		zap.Int64("bytes", info.Bytes))
	return info, nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
