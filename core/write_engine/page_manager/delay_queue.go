package pagemanager

import (
	"container/heap"
	"sync"
	"time"
)

type delayedPage struct {
	page    *Page
	readyAt int64 // unix nanoseconds
}

type delayHeap []delayedPage

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].readyAt < h[j].readyAt }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(delayedPage)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = delayedPage{}
	*h = old[:n-1]
	return item
}

// delayQueue is a min-heap of pages ordered by the time they become
// eligible for flushing. wakeup is signalled whenever the head may have
// moved earlier.
type delayQueue struct {
	mu     sync.Mutex
	items  delayHeap
	wakeup chan struct{}
}

func newDelayQueue() *delayQueue {
	return &delayQueue{wakeup: make(chan struct{}, 1)}
}

func (q *delayQueue) push(p *Page, readyAt time.Time) {
	q.mu.Lock()
	heap.Push(&q.items, delayedPage{page: p, readyAt: readyAt.UnixNano()})
	isHead := q.items[0].page == p
	q.mu.Unlock()
	if isHead {
		select {
		case q.wakeup <- struct{}{}:
		default:
		}
	}
}

// popReady returns the head if it is due at now. Otherwise it returns the
// wait until the head is due, or a negative wait when the queue is empty.
func (q *delayQueue) popReady(now time.Time) (*Page, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, -1
	}
	wait := time.Duration(q.items[0].readyAt - now.UnixNano())
	if wait > 0 {
		return nil, wait
	}
	return heap.Pop(&q.items).(delayedPage).page, 0
}

// popOldest removes the head regardless of its due time.
func (q *delayQueue) popOldest() *Page {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(delayedPage).page
}

func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
