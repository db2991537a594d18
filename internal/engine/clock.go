package engine

import (
	"sync"
	"time"
)

// Clock supplies the current time to executors that make timeout
// decisions. Aggregation and coalesce timeouts sample it between rows,
// so tests can substitute a mock and step time forward deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock returns the wall-clock implementation used in production.
func SystemClock() Clock {
	return systemClock{}
}

// MockClock is a manually advanced clock for tests. Safe for concurrent
// use, though the engine itself only reads it from the dispatch loop.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock returns a mock clock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

// Now returns the mock's current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Set pins the clock to t.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}
