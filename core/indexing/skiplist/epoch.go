package skiplist

import (
	"math"
	"sync"
)

// retiredRegion is storage unlinked from the list but possibly still being
// read by a traversal that started before the unlink.
type retiredRegion struct {
	off   uint64
	size  int
	epoch uint64
}

// epochs defers reuse of retired regions until every traversal that could
// have observed them has finished. A region retired in epoch E is released
// once the oldest active traversal entered after E.
type epochs struct {
	mu      sync.Mutex
	global  uint64
	active  map[uint64]int
	retired []retiredRegion
}

func newEpochs() *epochs {
	return &epochs{active: make(map[uint64]int)}
}

// enter pins the current epoch for a traversal.
func (e *epochs) enter() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep := e.global
	e.active[ep]++
	return ep
}

// exit unpins ep and returns regions that became safe to reuse.
func (e *epochs) exit(ep uint64) []retiredRegion {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[ep]--; e.active[ep] <= 0 {
		delete(e.active, ep)
	}
	return e.collectLocked()
}

// retire records a region unlinked in the current epoch and advances it.
func (e *epochs) retire(off uint64, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retired = append(e.retired, retiredRegion{off: off, size: size, epoch: e.global})
	e.global++
}

func (e *epochs) collectLocked() []retiredRegion {
	if len(e.retired) == 0 {
		return nil
	}
	oldest := uint64(math.MaxUint64)
	for ep := range e.active {
		if ep < oldest {
			oldest = ep
		}
	}
	var ready []retiredRegion
	kept := e.retired[:0]
	for _, r := range e.retired {
		if r.epoch < oldest {
			ready = append(ready, r)
		} else {
			kept = append(kept, r)
		}
	}
	e.retired = kept
	return ready
}

// drain returns every retired region regardless of active traversals. Only
// valid once no traversal can be running.
func (e *epochs) drain() []retiredRegion {
	e.mu.Lock()
	defer e.mu.Unlock()
	ready := e.retired
	e.retired = nil
	return ready
}

func (e *epochs) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retired)
}
