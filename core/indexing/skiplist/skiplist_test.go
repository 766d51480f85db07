package skiplist

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojostore/core/encoding/bufferstream"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func newTestPageCache(t *testing.T) *pagemanager.PageCache {
	t.Helper()
	cfg := pagemanager.DefaultConfig()
	cfg.FlushDebounce = 10 * time.Millisecond
	cache, err := pagemanager.NewPageCache(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func int64Options(t *testing.T) Options[int64, string] {
	return Options[int64, string]{
		Order:        DefaultKeyOrder[int64],
		KeyCodec:     BufferStreamCodec[int64](nil),
		ValueCodec:   BufferStreamCodec[string](nil),
		KeyCacheSize: 1 << 16,
		Logger:       zaptest.NewLogger(t),
	}
}

func openInt64List(t *testing.T, cache *pagemanager.PageCache, path string) *SkipList[int64, string] {
	t.Helper()
	l, err := Open(cache, path, int64Options(t))
	require.NoError(t, err)
	return l
}

func collectKeys[K any, V any](t *testing.T, l *SkipList[K, V]) []K {
	t.Helper()
	var keys []K
	for k, err := range l.Keys() {
		require.NoError(t, err)
		keys = append(keys, k)
	}
	return keys
}

func TestSkipList_InsertThenDeleteEveryThousandth(t *testing.T) {
	cache := newTestPageCache(t)
	l := openInt64List(t, cache, filepath.Join(t.TempDir(), "scenario.skl"))
	defer l.Close()

	rng := rand.New(rand.NewSource(1))
	want := make(map[int64]string, 50000)
	for k := int64(1); k <= 50000; k++ {
		v := fmt.Sprintf("v%d", rng.Int63())
		want[k] = v
		_, replaced, err := l.Put(k, v)
		require.NoError(t, err)
		require.False(t, replaced)
	}
	require.Equal(t, 50000, l.Size())

	for k := int64(1000); k <= 50000; k += 1000 {
		old, ok, err := l.Remove(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		require.Equal(t, want[k], old)
		delete(want, k)
	}
	require.Equal(t, 49950, l.Size())

	for k := int64(1); k <= 50000; k++ {
		v, ok, err := l.Get(k)
		require.NoError(t, err)
		if k%1000 == 0 {
			require.False(t, ok, "deleted key %d still present", k)
			continue
		}
		require.True(t, ok, "key %d missing", k)
		require.Equal(t, want[k], v)
	}

	count := 0
	for _, err := range l.Values() {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 49950, count)
}

func TestSkipList_OrderInvariantUnderRandomOps(t *testing.T) {
	cache := newTestPageCache(t)
	l := openInt64List(t, cache, filepath.Join(t.TempDir(), "random.skl"))
	defer l.Close()

	rng := rand.New(rand.NewSource(7))
	model := make(map[int64]string)
	for i := 0; i < 5000; i++ {
		k := rng.Int63n(800)
		if rng.Intn(3) == 0 {
			_, ok, err := l.Remove(k)
			require.NoError(t, err)
			_, inModel := model[k]
			require.Equal(t, inModel, ok)
			delete(model, k)
			continue
		}
		v := fmt.Sprint(i)
		old, replaced, err := l.Put(k, v)
		require.NoError(t, err)
		prev, inModel := model[k]
		require.Equal(t, inModel, replaced)
		if replaced {
			require.Equal(t, prev, old)
		}
		model[k] = v
	}

	wantKeys := make([]int64, 0, len(model))
	for k := range model {
		wantKeys = append(wantKeys, k)
	}
	sort.Slice(wantKeys, func(i, j int) bool { return wantKeys[i] < wantKeys[j] })

	got := collectKeys(t, l)
	require.Equal(t, wantKeys, got)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
	assert.Equal(t, len(model), l.Size())

	require.NoError(t, l.ForEach(func(k int64, v string) bool {
		assert.Equal(t, model[k], v)
		return true
	}))
}

func TestSkipList_ReopenPreservesContents(t *testing.T) {
	cache := newTestPageCache(t)
	path := filepath.Join(t.TempDir(), "reopen.skl")

	l := openInt64List(t, cache, path)
	for k := int64(0); k < 2000; k++ {
		_, _, err := l.Put(k, fmt.Sprint(k*k))
		require.NoError(t, err)
	}
	for k := int64(0); k < 2000; k += 3 {
		_, _, err := l.Remove(k)
		require.NoError(t, err)
	}
	size := l.Size()
	require.NoError(t, l.Close())

	// A fresh cache proves the data came from disk.
	l2 := openInt64List(t, newTestPageCache(t), path)
	defer l2.Close()
	assert.Equal(t, size, l2.Size())
	for k := int64(0); k < 2000; k++ {
		v, ok, err := l2.Get(k)
		require.NoError(t, err)
		if k%3 == 0 {
			assert.False(t, ok)
		} else {
			require.True(t, ok)
			assert.Equal(t, fmt.Sprint(k*k), v)
		}
	}
	assert.Len(t, collectKeys(t, l2), size)
}

func TestSkipList_RangeAndFirst(t *testing.T) {
	cache := newTestPageCache(t)
	l := openInt64List(t, cache, filepath.Join(t.TempDir(), "range.skl"))
	defer l.Close()

	_, _, ok, err := l.First()
	require.NoError(t, err)
	assert.False(t, ok)

	for k := int64(0); k < 500; k += 5 {
		_, _, err := l.Put(k, fmt.Sprint(k))
		require.NoError(t, err)
	}

	k, v, ok, err := l.First()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), k)
	assert.Equal(t, "0", v)

	from, to := int64(12), int64(300)
	it := l.Range(&from, &to)
	var got []int64
	for it.Next() {
		got = append(got, it.Key())
		assert.Equal(t, fmt.Sprint(it.Key()), it.Value())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	require.Len(t, got, 57)
	assert.Equal(t, int64(15), got[0])
	assert.Equal(t, int64(295), got[len(got)-1])

	// An inclusive lower bound that is present.
	from = 20
	it = l.Range(&from, nil)
	require.True(t, it.Next())
	assert.Equal(t, int64(20), it.Key())
	_ = it.Close()
}

func TestSkipList_IteratorSpansBatches(t *testing.T) {
	cache := newTestPageCache(t)
	l := openInt64List(t, cache, filepath.Join(t.TempDir(), "batches.skl"))
	defer l.Close()

	n := 3*scanBatch + 17
	for k := 0; k < n; k++ {
		_, _, err := l.Put(int64(k), "x")
		require.NoError(t, err)
	}
	it := l.Iterator()
	defer it.Close()
	count := 0
	for it.Next() {
		require.Equal(t, int64(count), it.Key())
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, n, count)
}

func TestSkipList_ConcurrentWritersAndReaders(t *testing.T) {
	cache := newTestPageCache(t)
	l := openInt64List(t, cache, filepath.Join(t.TempDir(), "concurrent.skl"))
	defer l.Close()

	const writers = 8
	const perWriter = 600
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Interleaved keys put neighbouring writers on shared predecessors.
				k := int64(i*writers + w)
				_, _, err := l.Put(k, fmt.Sprint(k))
				assert.NoError(t, err)
				if i%4 == 0 {
					_, ok, err := l.Remove(k)
					assert.NoError(t, err)
					assert.True(t, ok)
				}
			}
		}(w)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				prev := int64(-1)
				for k, err := range l.Keys() {
					if !assert.NoError(t, err) {
						return
					}
					assert.Greater(t, k, prev)
					prev = k
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	keys := collectKeys(t, l)
	assert.Len(t, keys, writers*perWriter*3/4)
	assert.Equal(t, writers*perWriter*3/4, l.Size())
	for _, k := range keys {
		i := k / writers
		assert.NotZero(t, i%4, "removed key %d visible", k)
	}
}

func TestSkipList_StorageReusedAfterRemove(t *testing.T) {
	cache := newTestPageCache(t)
	opts := int64Options(t)
	opts.MaxLevel = 1
	l, err := Open(cache, filepath.Join(t.TempDir(), "reuse.skl"), opts)
	require.NoError(t, err)
	defer l.Close()

	fill := func() {
		for k := int64(0); k < 300; k++ {
			_, _, err := l.Put(k, "value")
			require.NoError(t, err)
		}
	}
	fill()
	grown := l.st.file.Size()
	for k := int64(0); k < 300; k++ {
		_, ok, err := l.Remove(k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Zero(t, l.epochs.pending())

	fill()
	assert.Equal(t, grown, l.st.file.Size())
	assert.Equal(t, 300, l.Size())
}

func TestSkipList_AnyKeys(t *testing.T) {
	cache := newTestPageCache(t)
	l, err := Open(cache, filepath.Join(t.TempDir(), "any.skl"), Options[any, any]{
		Order:      CompareAny,
		KeyCodec:   BufferStreamCodec[any](nil),
		ValueCodec: BufferStreamCodec[any](nil),
	})
	require.NoError(t, err)
	defer l.Drop()

	for _, k := range []any{"b", int64(10), 2, "a", nil, 3.5} {
		_, _, err := l.Put(k, k)
		require.NoError(t, err)
	}
	assert.Equal(t, []any{nil, 2, 3.5, int64(10), "a", "b"}, collectKeys(t, l))

	v, ok, err := l.Get(int64(2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestSkipList_OpenValidation(t *testing.T) {
	cache := newTestPageCache(t)
	path := filepath.Join(t.TempDir(), "bad.skl")

	_, err := Open(cache, path, Options[int64, string]{})
	assert.ErrorIs(t, err, ErrNilKeyOrder)

	opts := int64Options(t)
	opts.KeyCodec = Codec[int64]{}
	_, err = Open(cache, path, opts)
	assert.ErrorIs(t, err, ErrNilCodec)

	opts = int64Options(t)
	opts.MaxLevel = MaxLevelLimit + 1
	_, err = Open(cache, path, opts)
	assert.ErrorIs(t, err, ErrInvalidLevel)

	// A file that is not a skip list.
	f, err := cache.Open(path)
	require.NoError(t, err)
	_, err = f.Write(0, []byte("definitely not a header"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = Open(cache, path, int64Options(t))
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestSkipList_ClosedRejectsOperations(t *testing.T) {
	cache := newTestPageCache(t)
	l := openInt64List(t, cache, filepath.Join(t.TempDir(), "closed.skl"))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, _, err := l.Put(1, "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = l.Get(1)
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = l.Remove(1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Flush(), ErrClosed)
}

func TestEpochs_DeferReleaseUntilReadersExit(t *testing.T) {
	e := newEpochs()
	reader := e.enter()
	writer := e.enter()
	e.retire(4096, 64)
	assert.Empty(t, e.exit(writer))

	late := e.enter() // entered after the retire, cannot see the region
	ready := e.exit(reader)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(4096), ready[0].off)
	assert.Empty(t, e.exit(late))
}

func TestCompareAny(t *testing.T) {
	assert.Zero(t, CompareAny(1, int64(1)))
	assert.Zero(t, CompareAny(uint8(7), 7))
	assert.Negative(t, CompareAny(-1, uint64(0)))
	assert.Positive(t, CompareAny(uint64(1<<63), int64(1)))
	assert.Negative(t, CompareAny(2, 2.5))
	assert.Negative(t, CompareAny(nil, false))
	assert.Negative(t, CompareAny(true, 0))
	assert.Negative(t, CompareAny(1e9, "a"))
	assert.Negative(t, CompareAny("a", []byte("a")))
	assert.Negative(t, CompareAny(time.Unix(1, 0), time.Unix(2, 0)))
	assert.Positive(t, CompareAny(bufferstream.Char('b'), bufferstream.Char('a')))
}

func TestCompareAny_IntegersAgainstFloats(t *testing.T) {
	// Above 2^53 float64 cannot hold every integer.
	assert.Positive(t, CompareAny(int64(1<<53+1), float64(1<<53)))
	assert.Negative(t, CompareAny(float64(1<<53), int64(1<<53+1)))
	assert.Zero(t, CompareAny(float64(1<<53), int64(1<<53)))
	assert.Negative(t, CompareAny(uint64(1<<63+1), math.Nextafter(float64(1<<63), math.Inf(1))))
	assert.Zero(t, CompareAny(uint64(1<<63), float64(1<<63)))
	assert.Negative(t, CompareAny(int64(math.MaxInt64), float64(1<<63)))
	assert.Positive(t, CompareAny(int64(math.MinInt64), -float64(1<<63)-4096))
	assert.Zero(t, CompareAny(int64(math.MinInt64), -float64(1<<63)))

	// Fractions break ties between equal integer parts.
	assert.Negative(t, CompareAny(-3, -2.5))
	assert.Positive(t, CompareAny(-2, -2.5))
	assert.Negative(t, CompareAny(2, float32(2.5)))
	assert.Positive(t, CompareAny(3, 2.5))
	assert.Zero(t, CompareAny(0, math.Copysign(0, -1)))

	assert.Negative(t, CompareAny(uint64(math.MaxUint64), math.Inf(1)))
	assert.Positive(t, CompareAny(int64(math.MinInt64), math.Inf(-1)))
	assert.Positive(t, CompareAny(0, math.NaN()))
	assert.Negative(t, CompareAny(math.NaN(), 0))
}

func TestSkipList_IntAndFloatKeysAbove2To53StayDistinct(t *testing.T) {
	cache := newTestPageCache(t)
	l, err := Open(cache, filepath.Join(t.TempDir(), "wide.skl"), Options[any, any]{
		Order:      CompareAny,
		KeyCodec:   BufferStreamCodec[any](nil),
		ValueCodec: BufferStreamCodec[any](nil),
	})
	require.NoError(t, err)
	defer l.Drop()

	_, replaced, err := l.Put(int64(1<<53+1), "int")
	require.NoError(t, err)
	require.False(t, replaced)
	_, replaced, err = l.Put(float64(1<<53), "float")
	require.NoError(t, err)
	require.False(t, replaced)
	assert.Equal(t, 2, l.Size())
	assert.Equal(t, []any{float64(1 << 53), int64(1<<53 + 1)}, collectKeys(t, l))

	v, ok, err := l.Get(int64(1<<53 + 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "int", v)
}

func TestSizeClass(t *testing.T) {
	for _, tc := range []struct {
		n     int
		class int
	}{{1, 0}, {64, 0}, {65, 1}, {128, 1}, {129, 2}, {4096, 6}} {
		got, err := sizeClass(tc.n)
		require.NoError(t, err)
		assert.Equal(t, tc.class, got, "n=%d", tc.n)
	}
}
