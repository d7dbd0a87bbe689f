package testutils

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TestLogger records every message so tests can assert on what a backend logged
type TestLogger struct {
	mu       sync.Mutex
	Messages []string
}

// Info records an info message
func (h *TestLogger) Info(m string, args ...any) { h.record("INFO", m, args) }

// Debug records a debug message
func (h *TestLogger) Debug(m string, args ...any) { h.record("DEBUG", m, args) }

// Error records an error message
func (h *TestLogger) Error(m string, args ...any) { h.record("ERROR", m, args) }

// Contains reports whether any recorded message contains s
func (h *TestLogger) Contains(s string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.Messages {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

func (h *TestLogger) record(level, m string, args []any) {
	h.mu.Lock()
	h.Messages = append(h.Messages, fmt.Sprintf("%s %s %v", level, m, args))
	h.mu.Unlock()
}

// Clock is a manually advanced clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock stopped at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the clock's current time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
