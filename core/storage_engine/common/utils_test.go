package common

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	data := bytes.Repeat([]byte("0123456789abcdef"), 1<<16) // 1 MiB
	require.NoError(t, os.WriteFile(src, data, 0644))

	dst := filepath.Join(dir, "dst.db")
	require.NoError(t, os.WriteFile(dst, []byte("stale contents that are longer than nothing"), 0644))

	stats, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), stats.Bytes)
	assert.Equal(t, xxhash.Sum64(data), stats.Checksum)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	sum, err := ChecksumFile(dst)
	require.NoError(t, err)
	assert.Equal(t, stats.Checksum, sum)
}

func TestCopyVerified_DetectsDamagedDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	data := bytes.Repeat([]byte("snapshot"), 4096)
	require.NoError(t, os.WriteFile(src, data, 0644))

	dst := filepath.Join(dir, "dst.db")
	stats, err := CopyVerified(context.Background(), src, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64(data), stats.Checksum)
	require.NoError(t, VerifyCopy(dst, stats))

	// A flipped byte or a short file no longer matches the source checksum.
	damaged := append([]byte(nil), data...)
	damaged[len(damaged)/2] ^= 0x01
	require.NoError(t, os.WriteFile(dst, damaged, 0644))
	assert.ErrorIs(t, VerifyCopy(dst, stats), ErrCopyMismatch)

	require.NoError(t, os.WriteFile(dst, data[:len(data)-1], 0644))
	assert.ErrorIs(t, VerifyCopy(dst, stats), ErrCopyMismatch)

	assert.Error(t, VerifyCopy(filepath.Join(dir, "missing.db"), stats))
}

func TestCopyThrottled_RespectsContext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	require.NoError(t, os.WriteFile(src, make([]byte, 3*chunkSize), 0644))

	// At 1 MiB/s the second chunk cannot be admitted before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "dst.db"), 1<<20)
	require.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CHECKPOINT")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	ok, err := Exists(path + ".tmp")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = Exists(path)
	require.NoError(t, err)
	assert.True(t, ok)
}
