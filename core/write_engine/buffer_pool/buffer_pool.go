// Package bufferpool hands out reusable byte buffers to the serializer and
// the page cache so that hot paths do not churn the allocator.
package bufferpool

import (
	"math/bits"
	"sync"
)

const (
	minClassShift = 6  // 64 B
	maxClassShift = 22 // 4 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// BufferPool keeps one sync.Pool per power-of-two size class.
// Requests larger than the biggest class are allocated directly and
// dropped on Put.
type BufferPool struct {
	classes [numClasses]sync.Pool
}

// New creates a BufferPool.
func New() *BufferPool {
	bp := &BufferPool{}
	for i := range bp.classes {
		size := 1 << (i + minClassShift)
		bp.classes[i].New = func() interface{} {
			b := make([]byte, size)
			return &b
		}
	}
	return bp
}

// Default is the process-wide pool.
var Default = New()

// classFor returns the size class index for n, or -1 if n is too large.
func classFor(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Get returns a zeroed slice of length n.
func (bp *BufferPool) Get(n int) []byte {
	if n <= 0 {
		return nil
	}
	idx := classFor(n)
	if idx < 0 {
		return make([]byte, n)
	}
	bufPtr := bp.classes[idx].Get().(*[]byte)
	b := (*bufPtr)[:n]
	clear(b)
	return b
}

// Put returns b to its size class. Slices whose capacity is not an exact
// class size were not produced by Get and are left to the garbage collector.
func (bp *BufferPool) Put(b []byte) {
	c := cap(b)
	if c == 0 {
		return
	}
	idx := classFor(c)
	if idx < 0 || 1<<(idx+minClassShift) != c {
		return
	}
	b = b[:c]
	bp.classes[idx].Put(&b)
}
