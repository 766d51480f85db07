package wal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/transaction"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T, mutate func(*Config)) (*LogManager, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "wal")
	cfg := DefaultConfig(dir)
	if mutate != nil {
		mutate(&cfg)
	}
	lm, err := NewLogManager(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return lm, dir
}

// stateApplier rebuilds a key/value state from replayed transactions.
type stateApplier struct {
	mu    sync.Mutex
	state map[string]map[any]any
	lsns  []LSN
}

func newStateApplier() *stateApplier {
	return &stateApplier{state: make(map[string]map[any]any)}
}

func (a *stateApplier) Apply(_ context.Context, txn *transaction.Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.state[txn.Container]
	if c == nil {
		c = make(map[any]any)
		a.state[txn.Container] = c
	}
	switch txn.Type {
	case transaction.TxnTypeSave, transaction.TxnTypeUpdate:
		c[txn.Key] = txn.Value
	case transaction.TxnTypeDelete:
		delete(c, txn.Key)
	}
	a.lsns = append(a.lsns, txn.LSN)
	return nil
}

var _ indexmanager.Applier = (*stateApplier)(nil)

func appendN(t *testing.T, lm *LogManager, container string, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		typ := transaction.TxnTypeSave
		if i%7 == 0 {
			typ = transaction.TxnTypeUpdate
		}
		_, err := lm.Append(transaction.New(typ, container, i%50, fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
}

func recoverState(t *testing.T, dir string, opts ReplayOptions) (*stateApplier, ReplayResult) {
	t.Helper()
	a := newStateApplier()
	res, err := RecoverDatabase(context.Background(), dir, nil, a, opts)
	require.NoError(t, err)
	return a, res
}

// --- Test Cases ---

func TestLogManager_AppendAndRecover(t *testing.T) {
	lm, dir := setupLogManager(t, nil)

	// 1. Append a save, an update and a delete.
	txns := []*transaction.Transaction{
		transaction.New(transaction.TxnTypeSave, "users", "alice", int64(30)),
		transaction.New(transaction.TxnTypeUpdate, "users", "alice", int64(31)),
		transaction.New(transaction.TxnTypeSave, "users", "bob", []byte("raw")),
		transaction.New(transaction.TxnTypeDelete, "users", "bob", nil),
	}
	for i, txn := range txns {
		lsn, err := lm.Append(txn)
		require.NoError(t, err)
		require.Equal(t, LSN(i+1), lsn, "LSN should be sequential and 1-based")
		require.Equal(t, lsn, txn.LSN)
	}
	require.Equal(t, LSN(4), lm.CurrentLSN())
	require.NoError(t, lm.Close())

	// 2. Stream the records back in order.
	r, err := NewReader(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	for i, want := range txns {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, LSN(i+1), got.LSN)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.Value, got.Value)
		assert.True(t, want.Timestamp.Equal(got.Timestamp))
	}
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, r.Close())

	// 3. Recovery rebuilds the final state.
	a, res := recoverState(t, dir, ReplayOptions{})
	assert.Equal(t, 4, res.Applied)
	assert.False(t, res.Truncated)
	assert.Equal(t, map[any]any{"alice": int64(31)}, a.state["users"])
}

func TestLogManager_ReopenContinuesLSN(t *testing.T) {
	lm, dir := setupLogManager(t, nil)
	appendN(t, lm, "c", 0, 5)
	require.NoError(t, lm.Close())

	lm2, err := NewLogManager(DefaultConfig(dir), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.Equal(t, LSN(5), lm2.CurrentLSN())
	lsn, err := lm2.Append(transaction.New(transaction.TxnTypeSave, "c", 99, "x"))
	require.NoError(t, err)
	require.Equal(t, LSN(6), lsn)
	require.NoError(t, lm2.Close())

	_, res := recoverState(t, dir, ReplayOptions{AfterLSN: 4})
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, LSN(6), res.LastLSN)
}

// TestRecovery_TruncatedTailIsIdempotent cuts the final record short, as a
// crash mid-append would, and checks that replay matches a log that never
// contained it.
func TestRecovery_TruncatedTailIsIdempotent(t *testing.T) {
	lm, dir := setupLogManager(t, nil)
	appendN(t, lm, "c", 0, 10)
	require.NoError(t, lm.Close())

	// 1. Expected state: everything but the last record.
	want, _ := recoverState(t, dir, ReplayOptions{})
	expected := newStateApplier()
	_, err := RecoverDatabase(context.Background(), dir, func(txn *transaction.Transaction) bool { return txn.LSN < 10 }, expected, ReplayOptions{})
	require.NoError(t, err)
	require.NotEqual(t, want.state, expected.state)

	// 2. Tear the last frame.
	seg := segmentPath(dir, 0)
	info, err := os.Stat(seg)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(seg, info.Size()-5))

	got, res := recoverState(t, dir, ReplayOptions{})
	assert.True(t, res.Truncated)
	assert.Equal(t, 9, res.Applied)
	assert.Equal(t, LSN(9), res.LastLSN)
	assert.Equal(t, expected.state, got.state)

	// 3. Replaying twice gives the same answer.
	again, _ := recoverState(t, dir, ReplayOptions{})
	assert.Equal(t, got.state, again.state)

	// 4. Reopening cuts the tail and reuses its LSN.
	lm2, err := NewLogManager(DefaultConfig(dir), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.Equal(t, LSN(9), lm2.CurrentLSN())
	lsn, err := lm2.Append(transaction.New(transaction.TxnTypeSave, "c", "new", "tail"))
	require.NoError(t, err)
	require.Equal(t, LSN(10), lsn)
	require.NoError(t, lm2.Close())

	final, res := recoverState(t, dir, ReplayOptions{})
	assert.False(t, res.Truncated)
	assert.Equal(t, 10, res.Applied)
	assert.Equal(t, "tail", final.state["c"]["new"])
}

func TestRecovery_GarbageTailIsDiscarded(t *testing.T) {
	lm, dir := setupLogManager(t, nil)
	appendN(t, lm, "c", 0, 3)
	require.NoError(t, lm.Close())

	f, err := os.OpenFile(segmentPath(dir, 0), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, res := recoverState(t, dir, ReplayOptions{})
	assert.True(t, res.Truncated)
	assert.Equal(t, 3, res.Applied)
}

func TestRecovery_MidLogCorruptionIsFatal(t *testing.T) {
	lm, dir := setupLogManager(t, func(c *Config) { c.SegmentSizeBytes = 512 })
	appendN(t, lm, "c", 0, 40)
	require.NoError(t, lm.Close())

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segments), 2)

	// Flip a byte inside the first record body of the first sealed segment.
	data, err := os.ReadFile(segments[0].path)
	require.NoError(t, err)
	data[segmentHeaderSize+frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(segments[0].path, data, 0644))

	_, err = RecoverDatabase(context.Background(), dir, nil, newStateApplier(), ReplayOptions{})
	require.ErrorIs(t, err, ErrCorruptLog)
}

// TestRecovery_BadChecksumBeforeValidRecords damages the first record of a
// single-segment log. The intact records after it show this is not a torn
// tail, so neither replay nor reopening may discard them.
func TestRecovery_BadChecksumBeforeValidRecords(t *testing.T) {
	lm, dir := setupLogManager(t, nil)
	appendN(t, lm, "c", 0, 5)
	require.NoError(t, lm.Close())

	seg := segmentPath(dir, 0)
	data, err := os.ReadFile(seg)
	require.NoError(t, err)
	data[segmentHeaderSize+frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(seg, data, 0644))

	_, err = RecoverDatabase(context.Background(), dir, nil, newStateApplier(), ReplayOptions{})
	require.ErrorIs(t, err, ErrCorruptLog)

	_, err = NewLogManager(DefaultConfig(dir), zaptest.NewLogger(t), nil)
	require.ErrorIs(t, err, ErrCorruptLog)

	after, err := os.ReadFile(seg)
	require.NoError(t, err)
	assert.Equal(t, data, after, "the segment must not be truncated")
}

func TestLogManager_RotationAndCheckpoint(t *testing.T) {
	lm, dir := setupLogManager(t, func(c *Config) { c.SegmentSizeBytes = 512 })
	appendN(t, lm, "c", 0, 60)

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segments), 3, "small segments should rotate")
	for i, s := range segments {
		assert.Equal(t, uint64(i), s.id)
		assert.Equal(t, fmt.Sprintf("%d.wal", i), filepath.Base(s.path))
	}

	// 1. Rotation keeps the LSN sequence intact across segments.
	a, res := recoverState(t, dir, ReplayOptions{})
	require.Equal(t, 60, res.Applied)
	for i, lsn := range a.lsns {
		require.Equal(t, LSN(i+1), lsn)
	}

	// 2. A checkpoint in the middle keeps every segment holding later LSNs.
	removed, err := lm.Checkpoint(30)
	require.NoError(t, err)
	assert.Greater(t, removed, 0)
	_, res = recoverState(t, dir, ReplayOptions{AfterLSN: 30})
	assert.Equal(t, 30, res.Applied)

	// 3. Checkpointing everything leaves only the active segment.
	_, err = lm.Checkpoint(lm.CurrentLSN())
	require.NoError(t, err)
	segments, err = listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	require.NoError(t, lm.Close())

	lm2, err := NewLogManager(DefaultConfig(dir), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	assert.Equal(t, LSN(60), lm2.CurrentLSN())
	require.NoError(t, lm2.Close())
}

func TestLogManager_CheckpointArchivesToLZ4(t *testing.T) {
	lm, dir := setupLogManager(t, func(c *Config) {
		c.SegmentSizeBytes = 512
		c.ArchiveCheckpointed = true
	})
	appendN(t, lm, "c", 0, 40)
	archived, err := lm.Checkpoint(lm.CurrentLSN())
	require.NoError(t, err)
	require.Greater(t, archived, 0)
	require.NoError(t, lm.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "*.wal.lz4"))
	require.NoError(t, err)
	assert.Len(t, matches, archived)

	// Archived segments stay readable, so the whole history replays.
	a, res := recoverState(t, dir, ReplayOptions{})
	require.Equal(t, 40, res.Applied)
	for i, lsn := range a.lsns {
		require.Equal(t, LSN(i+1), lsn)
	}
}

func TestLogManager_CompressesLargeRecords(t *testing.T) {
	lm, dir := setupLogManager(t, func(c *Config) { c.CompressThreshold = 64 })
	big := strings.Repeat("gojostore ", 4096)
	_, err := lm.Append(transaction.New(transaction.TxnTypeSave, "docs", "readme", big))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	info, err := os.Stat(segmentPath(dir, 0))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(big)/4))

	a, _ := recoverState(t, dir, ReplayOptions{})
	assert.Equal(t, big, a.state["docs"]["readme"])
}

func TestApplyTransactionLog_PredicateFilters(t *testing.T) {
	lm, dir := setupLogManager(t, nil)
	appendN(t, lm, "orders", 0, 6)
	appendN(t, lm, "users", 100, 4)
	require.NoError(t, lm.Close())

	a := newStateApplier()
	res, err := ApplyTransactionLog(context.Background(), segmentPath(dir, 0), transaction.ForContainer("users"), a, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Applied)
	assert.Equal(t, 6, res.Skipped)
	assert.NotContains(t, a.state, "orders")
	assert.Len(t, a.state["users"], 4)
}

func TestLogManager_BackgroundFlush(t *testing.T) {
	lm, dir := setupLogManager(t, func(c *Config) { c.SyncOnAppend = false })

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := lm.Append(transaction.New(transaction.TxnTypeSave, "c", fmt.Sprintf("%d-%d", w, i), i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, LSN(100), lm.CurrentLSN())
	require.NoError(t, lm.Close())

	_, err := lm.Append(transaction.New(transaction.TxnTypeSave, "c", "late", 0))
	require.ErrorIs(t, err, ErrLogClosed)

	a, res := recoverState(t, dir, ReplayOptions{})
	assert.Equal(t, 100, res.Applied)
	assert.Len(t, a.state["c"], 100)
}
