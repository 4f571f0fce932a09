// Package testutil provides shared test helpers for internal conveyor packages.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TempDBPath returns a temporary directory and journal file path suitable
// for tests. The directory is automatically cleaned up when the test completes.
func TempDBPath(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "journal.db")
	return dir, path
}

// Clock is a manually advanced clock for timing-dependent tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time. It has the signature of time.Now.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
