package bufferpool

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrMemoryLimitExceeded is returned when an allocation would push the
// tracked usage above the configured budget.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Controller tracks bytes handed out against an optional hard budget.
// A nil Controller or a zero budget means "track nothing, deny nothing".
type Controller struct {
	limit int64
	sem   *semaphore.Weighted // nil if unlimited
	used  atomic.Int64
}

// NewController creates a Controller with the given budget in bytes.
func NewController(limitBytes int64) *Controller {
	c := &Controller{limit: limitBytes}
	if limitBytes > 0 {
		c.sem = semaphore.NewWeighted(limitBytes)
	}
	return c
}

// TryAcquire reserves n bytes without blocking.
// Callers own the retry/backoff policy.
func (c *Controller) TryAcquire(n int64) error {
	if c == nil || n <= 0 {
		return nil
	}
	if c.sem != nil && !c.sem.TryAcquire(n) {
		return ErrMemoryLimitExceeded
	}
	c.used.Add(n)
	return nil
}

// Release returns n previously reserved bytes.
func (c *Controller) Release(n int64) {
	if c == nil || n <= 0 {
		return
	}
	if c.sem != nil {
		c.sem.Release(n)
	}
	c.used.Add(-n)
}

// Used returns the bytes currently reserved.
func (c *Controller) Used() int64 {
	if c == nil {
		return 0
	}
	return c.used.Load()
}

// Limit returns the configured budget (0 if unlimited).
func (c *Controller) Limit() int64 {
	if c == nil {
		return 0
	}
	return c.limit
}
