package storageengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/transaction"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.PageCache.PageSize = 4096
	cfg.PageCache.MaxDirtyPages = 64
	cfg.PageCache.CleanPageCapacity = 256
	return cfg
}

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return s
}

func containerState(t *testing.T, c *Container) map[any]any {
	t.Helper()
	state := make(map[any]any)
	require.NoError(t, c.ForEach(func(k, v any) bool {
		state[k] = v
		return true
	}))
	return state
}

func mustContainer(t *testing.T, s *Store, name string) *Container {
	t.Helper()
	c, err := s.Container(name)
	require.NoError(t, err)
	return c
}

func TestStore_PutGetRemove(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()
	users := mustContainer(t, s, "users")

	prev, existed, err := users.Put("alice", int64(30))
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, prev)

	prev, existed, err = users.Put("alice", int64(31))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(30), prev)

	v, ok, err := users.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(31), v)

	old, removed, err := users.Remove("alice")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(31), old)

	_, removed, err = users.Remove("alice")
	require.NoError(t, err)
	assert.False(t, removed, "removing an absent key is a no-op")

	_, ok, err = users.Get("alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, users.Size())
	assert.Equal(t, uint64(3), s.LSN(), "save, update and delete are logged")
}

func TestStore_MixedKeysIterateInOrder(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()
	c := mustContainer(t, s, "mixed")

	for _, k := range []any{"b", 3.5, 2, true, "a", int64(1)} {
		_, _, err := c.Put(k, fmt.Sprint(k))
		require.NoError(t, err)
	}
	_, existed, err := c.Put(int32(2), "two")
	require.NoError(t, err)
	assert.True(t, existed, "numerically equal keys are the same key")

	var keys []any
	for k, err := range c.Keys() {
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []any{true, int64(1), 2, 3.5, "a", "b"}, keys)

	v, ok, err := c.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", v)

	it := c.Range(2, "a")
	defer it.Close()
	var ranged []any
	for it.Next() {
		ranged = append(ranged, it.Key())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []any{2, 3.5}, ranged)
}

func TestStore_WideIntegerAndFloatKeysStayDistinct(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, testConfig(dir))
	c := mustContainer(t, s, "wide")

	_, replaced, err := c.Put(int64(1<<53+1), "int")
	require.NoError(t, err)
	require.False(t, replaced)
	_, replaced, err = c.Put(float64(1<<53), "float")
	require.NoError(t, err)
	require.False(t, replaced, "2^53 and 2^53+1 are different keys")
	assert.Equal(t, 2, c.Size())

	s.crash()
	s = openTestStore(t, testConfig(dir))
	defer s.Close()
	assert.Equal(t, map[any]any{int64(1<<53 + 1): "int", float64(1 << 53): "float"}, containerState(t, mustContainer(t, s, "wide")))
}

func TestStore_ReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, testConfig(dir))
	c := mustContainer(t, s, "items")
	for i := 0; i < 500; i++ {
		_, _, err := c.Put(i, bytes.Repeat([]byte{byte(i)}, 40))
		require.NoError(t, err)
	}
	want := containerState(t, c)
	lsn := s.LSN()
	require.NoError(t, s.Close())

	_, err := os.Stat(filepath.Join(dir, dirtyFileName))
	require.ErrorIs(t, err, os.ErrNotExist, "a clean close removes the dirty marker")

	s2 := openTestStore(t, testConfig(dir))
	defer s2.Close()
	assert.Equal(t, lsn, s2.LSN())
	assert.Equal(t, lsn, s2.CheckpointLSN())
	assert.Equal(t, []string{"items"}, s2.Containers())
	assert.Equal(t, want, containerState(t, mustContainer(t, s2, "items")))
}

// TestStore_CrashRecovery loses the container files after a crash and
// rebuilds them from the last checkpoint plus the log.
func TestStore_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, testConfig(dir))
	users := mustContainer(t, s, "users")

	// 1. State covered by a checkpoint.
	for i := 0; i < 200; i++ {
		_, _, err := users.Put(i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
	ckpt, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(200), ckpt)

	// 2. State only in the log, including a container created afterwards.
	for i := 200; i < 300; i++ {
		_, _, err := users.Put(i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
	for i := 0; i < 300; i += 10 {
		_, _, err := users.Remove(i)
		require.NoError(t, err)
	}
	_, _, err = users.Put(5, "updated")
	require.NoError(t, err)
	orders := mustContainer(t, s, "orders")
	for i := 0; i < 10; i++ {
		_, _, err := orders.Put(fmt.Sprintf("o-%02d", i), int64(i*100))
		require.NoError(t, err)
	}
	wantUsers := containerState(t, users)
	wantOrders := containerState(t, orders)
	lsn := s.LSN()

	// 3. Crash and scribble over the data files.
	s.crash()
	for _, name := range []string{"users", "orders"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+dataSuffix), bytes.Repeat([]byte{0xAB}, 8192), 0644))
	}

	s2 := openTestStore(t, testConfig(dir))
	defer s2.Close()
	assert.Equal(t, lsn, s2.LSN())
	assert.Equal(t, wantUsers, containerState(t, mustContainer(t, s2, "users")))
	assert.Equal(t, wantOrders, containerState(t, mustContainer(t, s2, "orders")))
}

func TestStore_CrashWithTornLogTail(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, testConfig(dir))
	c := mustContainer(t, s, "c")
	for i := 0; i < 50; i++ {
		_, _, err := c.Put(i, i*i)
		require.NoError(t, err)
	}
	want := containerState(t, c)
	s.crash()

	// A record whose append was cut short by the crash.
	f, err := os.OpenFile(filepath.Join(dir, walDirName, "0.wal"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{40, 0, 0, 0, 1, 2, 3, 4, 0, 51, 0, 0, 0, 0, 0, 0, 0, 9, 9})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openTestStore(t, testConfig(dir))
	defer s2.Close()
	assert.Equal(t, uint64(50), s2.LSN())
	assert.Equal(t, want, containerState(t, mustContainer(t, s2, "c")))

	_, _, err = mustContainer(t, s2, "c").Put("after", "recovery")
	require.NoError(t, err)
	assert.Equal(t, uint64(51), s2.LSN())
}

func TestStore_ConcurrentWritersSurviveCrash(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, testConfig(dir))
	c := mustContainer(t, s, "hot")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _, err := c.Put(fmt.Sprintf("w%d-%03d", w, i), i)
				assert.NoError(t, err)
				_, _, err = c.Put("shared", w*1000+i)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 801, c.Size())
	want := containerState(t, c)
	s.crash()

	s2 := openTestStore(t, testConfig(dir))
	defer s2.Close()
	assert.Equal(t, want, containerState(t, mustContainer(t, s2, "hot")))
}

func TestStore_CheckpointTrimsLog(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.WAL.SegmentSizeBytes = 4096
	s := openTestStore(t, cfg)
	defer s.Close()
	c := mustContainer(t, s, "c")
	for i := 0; i < 300; i++ {
		_, _, err := c.Put(i, "some value")
		require.NoError(t, err)
	}
	before, err := filepath.Glob(filepath.Join(cfg.DataDir, walDirName, "*.wal"))
	require.NoError(t, err)
	require.Greater(t, len(before), 1)

	lsn, err := s.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(300), lsn)

	after, err := filepath.Glob(filepath.Join(cfg.DataDir, walDirName, "*.wal"))
	require.NoError(t, err)
	assert.Len(t, after, 1)
	assert.FileExists(t, filepath.Join(cfg.DataDir, "c"+snapshotSuffix))
}

func TestStore_BackupRestores(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testConfig(t.TempDir()))
	c := mustContainer(t, s, "docs")
	for i := 0; i < 100; i++ {
		_, _, err := c.Put(fmt.Sprintf("doc-%03d", i), map[string]any{"n": i, "tags": []string{"a", "b"}})
		require.NoError(t, err)
	}
	want := containerState(t, c)

	backupDir := filepath.Join(t.TempDir(), "backup")
	info, err := s.Backup(ctx, backupDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), info.LSN)
	assert.Equal(t, []string{"docs"}, info.Containers)
	assert.Greater(t, info.Bytes, int64(0))

	for _, f := range []string{"docs" + snapshotSuffix, checkpointFileName} {
		want, err := common.ChecksumFile(s.path(f))
		require.NoError(t, err)
		got, err := common.ChecksumFile(filepath.Join(backupDir, f))
		require.NoError(t, err)
		assert.Equal(t, want, got, f)
	}

	_, err = s.Backup(ctx, s.dir)
	require.Error(t, err)
	require.NoError(t, s.Close())

	restored := openTestStore(t, testConfig(backupDir))
	assert.Equal(t, want, containerState(t, mustContainer(t, restored, "docs")))
	assert.Equal(t, uint64(0), restored.CheckpointLSN(), "checkpoint is rebased onto the fresh log")

	// New writes in the restored store survive a crash.
	_, _, err = mustContainer(t, restored, "docs").Put("doc-new", "fresh")
	require.NoError(t, err)
	restored.crash()

	again := openTestStore(t, testConfig(backupDir))
	defer again.Close()
	got := containerState(t, mustContainer(t, again, "docs"))
	assert.Len(t, got, 101)
	assert.Equal(t, "fresh", got["doc-new"])
}

func TestStore_RecoverDatabaseFromAnotherLog(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	src := openTestStore(t, testConfig(srcDir))
	users := mustContainer(t, src, "users")
	orders := mustContainer(t, src, "orders")
	for i := 0; i < 20; i++ {
		_, _, err := users.Put(i, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		_, _, err = orders.Put(i, int64(i))
		require.NoError(t, err)
	}
	_, _, err := users.Remove(3)
	require.NoError(t, err)
	wantUsers := containerState(t, users)
	require.NoError(t, src.Close())

	dst := openTestStore(t, testConfig(t.TempDir()))
	defer dst.Close()
	n, err := dst.RecoverDatabase(ctx, filepath.Join(srcDir, walDirName), transaction.ForContainer("users"))
	require.NoError(t, err)
	assert.Equal(t, 21, n)
	assert.Equal(t, uint64(21), dst.LSN(), "replayed transactions are logged by the target")
	assert.Equal(t, []string{"users"}, dst.Containers())
	assert.Equal(t, wantUsers, containerState(t, mustContainer(t, dst, "users")))

	// Replaying a single segment into a fresh container.
	n, err = dst.ApplyTransactionLog(ctx, filepath.Join(srcDir, walDirName, "0.wal"), func(txn *transaction.Transaction) bool {
		return txn.Container == "orders" && txn.Key.(int) < 5
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, mustContainer(t, dst, "orders").Size())
}

func TestStore_RecoverOwnLogIsIdempotent(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	defer s.Close()
	c := mustContainer(t, s, "c")
	for i := 0; i < 30; i++ {
		_, _, err := c.Put(i%10, i)
		require.NoError(t, err)
	}
	want := containerState(t, c)

	n, err := s.RecoverDatabase(context.Background(), filepath.Join(s.dir, walDirName), nil)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, uint64(30), s.LSN(), "replaying the store's own log appends nothing")
	assert.Equal(t, want, containerState(t, c))
}

func TestStore_Errors(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, testConfig(dir))

	_, err := s.Container("../escape")
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Container("")
	require.ErrorIs(t, err, ErrInvalidName)

	if runtime.GOOS != "windows" {
		_, err = Open(context.Background(), testConfig(dir), zaptest.NewLogger(t), nil)
		require.ErrorIs(t, err, ErrLocked)
	}

	c := mustContainer(t, s, "c")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")

	_, _, err = c.Put(1, 1)
	require.ErrorIs(t, err, ErrStoreClosed)
	_, _, err = c.Get(1)
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Container("c")
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Checkpoint(context.Background())
	require.ErrorIs(t, err, ErrStoreClosed)
}
