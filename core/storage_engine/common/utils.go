// Package common holds file helpers shared by checkpointing and backups.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyStats describes a finished copy.
type CopyStats struct {
	Bytes    int64
	Checksum uint64 // xxhash64 of the copied bytes
}

// CopyThrottled copies srcPath to dstPath, truncating dstPath, at no more
// than rateBytesPerSec (0 means unthrottled). The destination is fsynced
// before returning.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (CopyStats, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return CopyStats{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return CopyStats{}, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	// Set up throughput limiter using golang.org/x/time/rate
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var (
		readOff int64
		sum     = xxhash.New()
	)
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyStats{}, fmt.Errorf("rate limiter error: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return CopyStats{}, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return CopyStats{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return CopyStats{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return CopyStats{}, fmt.Errorf("sync error: %w", err)
	}
	return CopyStats{Bytes: readOff, Checksum: sum.Sum64()}, nil
}

// ChecksumFile returns the xxhash64 of the file at path.
func ChecksumFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// ErrCopyMismatch reports a copy whose destination does not read back with
// the checksum of the bytes read from the source.
var ErrCopyMismatch = errors.New("copied file does not match its source checksum")

// VerifyCopy re-reads dstPath and checks it against stats.
func VerifyCopy(dstPath string, stats CopyStats) error {
	sum, err := ChecksumFile(dstPath)
	if err != nil {
		return fmt.Errorf("verify %s: %w", dstPath, err)
	}
	if sum != stats.Checksum {
		return fmt.Errorf("%w: %s has xxhash %#x, want %#x", ErrCopyMismatch, dstPath, sum, stats.Checksum)
	}
	return nil
}

// CopyVerified is CopyThrottled followed by VerifyCopy.
func CopyVerified(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (CopyStats, error) {
	stats, err := CopyThrottled(ctx, srcPath, dstPath, rateBytesPerSec)
	if err != nil {
		return CopyStats{}, err
	}
	if err := VerifyCopy(dstPath, stats); err != nil {
		return CopyStats{}, err
	}
	return stats, nil
}

// WriteFileAtomic writes data to a temporary sibling of path, fsyncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return SyncDir(filepath.Dir(path))
}

// SyncDir fsyncs a directory so renames and creations inside it persist.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
