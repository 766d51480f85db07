package flushmanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDiskManager_WriteGrowsAndReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	dm, err := OpenDiskManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer dm.Close()

	payload := bytes.Repeat([]byte("gojo"), 1000)
	require.NoError(t, dm.WriteAt(payload, 10000))
	assert.Equal(t, int64(10000+len(payload)), dm.Size())

	got := make([]byte, len(payload))
	require.NoError(t, dm.ReadAt(got, 10000))
	assert.Equal(t, payload, got)
}

func TestDiskManager_ReadBeyondEOFIsZeroFilled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	dm, err := OpenDiskManager(path, nil)
	require.NoError(t, err)
	defer dm.Close()

	require.NoError(t, dm.WriteAt([]byte{1, 2, 3, 4}, 0))

	got := bytes.Repeat([]byte{0xAA}, 8)
	require.NoError(t, dm.ReadAt(got, 2))
	assert.Equal(t, []byte{3, 4, 0, 0, 0, 0, 0, 0}, got)

	far := bytes.Repeat([]byte{0xAA}, 4)
	require.NoError(t, dm.ReadAt(far, 1<<20))
	assert.Equal(t, make([]byte, 4), far)
}

func TestDiskManager_ReopenSeesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	dm, err := OpenDiskManager(path, nil)
	require.NoError(t, err)
	require.NoError(t, dm.WriteAt([]byte("persisted"), 4096))
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close(), "close must be idempotent")

	dm2, err := OpenDiskManager(path, nil)
	require.NoError(t, err)
	defer dm2.Close()
	got := make([]byte, 9)
	require.NoError(t, dm2.ReadAt(got, 4096))
	assert.Equal(t, "persisted", string(got))
}

func TestDiskManager_ClosedAndInvalidOffsets(t *testing.T) {
	dm, err := OpenDiskManager(filepath.Join(t.TempDir(), "data.db"), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, dm.ReadAt(make([]byte, 1), -1), ErrInvalidOffset)
	assert.ErrorIs(t, dm.WriteAt([]byte{1}, -1), ErrInvalidOffset)

	require.NoError(t, dm.Close())
	assert.ErrorIs(t, dm.ReadAt(make([]byte, 1), 0), ErrFileClosed)
	assert.ErrorIs(t, dm.WriteAt([]byte{1}, 0), ErrFileClosed)
	assert.ErrorIs(t, dm.Sync(), ErrFileClosed)
}
