// Package ratelimit provides a per-key sliding-window request limiter and
// a concurrent connection counter.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/roach88/caseguide/internal/clock"
)

// Defaults.
const (
	DefaultMaxRequests    = 10
	DefaultWindow         = 60 * time.Second
	DefaultMaxConnections = 5
)

// Limiter allows at most max requests per key in any window-long span.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	clock   clock.Clock
	buckets map[string][]time.Time
}

// New creates a limiter. Non-positive values take the defaults.
func New(max int, window time.Duration, clk clock.Clock) *Limiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{max: max, window: window, clock: clock.OrSystem(clk), buckets: map[string][]time.Time{}}
}

// Key builds the limiter key for a user and route prefix.
func Key(userID, prefix string) string {
	return userID + ":" + prefix
}

// Allow records a request for key if it fits in the window. When it does
// not, retryAfter is how long until the oldest request leaves the window,
// rounded up to whole seconds and never less than one second.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	reqs := l.prune(key, now)
	if len(reqs) >= l.max {
		wait := l.window - now.Sub(reqs[0])
		secs := math.Ceil(wait.Seconds())
		return false, time.Duration(max(1, secs)) * time.Second
	}
	l.buckets[key] = append(reqs, now)
	return true, 0
}

// Remaining returns how many requests key may still make now.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - len(l.prune(key, l.clock.Now()))
}

// Limit returns the per-window maximum.
func (l *Limiter) Limit() int { return l.max }

// Sweep drops keys with no requests left in the window.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	n := 0
	for key := range l.buckets {
		if len(l.prune(key, now)) == 0 {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// prune must be called with mu held.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	reqs := l.buckets[key]
	start := now.Add(-l.window)
	i := 0
	for i < len(reqs) && !reqs[i].After(start) {
		i++
	}
	if i > 0 {
		reqs = reqs[i:]
		l.buckets[key] = reqs
	}
	return reqs
}

// LimitError reports a refused connection.
type LimitError struct {
	Key   string
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("connection limit of %d reached for %s", e.Limit, e.Key)
}

// ConnectionCounter caps concurrent connections per key.
type ConnectionCounter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

// NewConnectionCounter creates a counter. A non-positive limit means 5.
func NewConnectionCounter(limit int) *ConnectionCounter {
	if limit <= 0 {
		limit = DefaultMaxConnections
	}
	return &ConnectionCounter{limit: limit, counts: map[string]int{}}
}

// Acquire takes a slot for key. The returned release func is idempotent.
func (c *ConnectionCounter) Acquire(key string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] >= c.limit {
		return nil, &LimitError{Key: key, Limit: c.limit}
	}
	c.counts[key]++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.counts[key]--
			if c.counts[key] <= 0 {
				delete(c.counts, key)
			}
		})
	}, nil
}

// Active returns the number of open connections for key.
func (c *ConnectionCounter) Active(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
