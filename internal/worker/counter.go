package worker

import (
	"context"
	"sync"
)

// ActiveCounter tracks how many worker processes an integration instance
// currently owns. It is only ever incremented and decremented by the
// protocol channel; shutdown waits on it reaching zero.
type ActiveCounter struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

// NewActiveCounter creates a counter at zero.
func NewActiveCounter() *ActiveCounter {
	return &ActiveCounter{zero: closedChan()}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Inc records one spawned worker.
func (c *ActiveCounter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		c.zero = make(chan struct{})
	}
	c.n++
}

// Dec records one exited worker.
func (c *ActiveCounter) Dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n--
	if c.n == 0 {
		close(c.zero)
	}
}

// Value returns the current count for monitoring.
func (c *ActiveCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitZero blocks until no workers remain or the context is done.
func (c *ActiveCounter) WaitZero(ctx context.Context) error {
	c.mu.Lock()
	zero := c.zero
	c.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
