package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/testutil"
)

func TestLimiter_SlidingWindow(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	l := New(3, time.Minute, clk)
	key := Key("u1", "search")
	assert.Equal(t, "u1:search", key)

	for i := range 3 {
		ok, _ := l.Allow(key)
		require.True(t, ok, "request %d", i)
		clk.Advance(10 * time.Second)
	}
	assert.Equal(t, 0, l.Remaining(key))

	// oldest request was 30s ago
	ok, retry := l.Allow(key)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, retry)

	other, _ := l.Allow(Key("u2", "search"))
	assert.True(t, other)

	clk.Advance(30 * time.Second)
	ok, _ = l.Allow(key)
	assert.True(t, ok)
}

func TestLimiter_RetryAfterAtLeastOneSecond(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	l := New(1, time.Minute, clk)

	ok, _ := l.Allow("k")
	require.True(t, ok)
	clk.Advance(59*time.Second + 900*time.Millisecond)

	ok, retry := l.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, time.Second, retry)
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(0, 0, testutil.NewFakeClock(testutil.DefaultStart))
	for range DefaultMaxRequests {
		ok, _ := l.Allow("k")
		require.True(t, ok)
	}
	ok, retry := l.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, DefaultWindow, retry)
}

func TestLimiter_Sweep(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	l := New(2, time.Minute, clk)
	l.Allow("a")
	clk.Advance(30 * time.Second)
	l.Allow("b")
	clk.Advance(31 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Remaining("b"))
}

func TestLimiter_Concurrent(t *testing.T) {
	l := New(50, time.Minute, testutil.NewFakeClock(testutil.DefaultStart))
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("k"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestConnectionCounter(t *testing.T) {
	c := NewConnectionCounter(0)
	var releases []func()
	for range DefaultMaxConnections {
		release, err := c.Acquire("u1")
		require.NoError(t, err)
		releases = append(releases, release)
	}
	_, err := c.Acquire("u1")
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 5, le.Limit)

	releases[0]()
	releases[0]()
	assert.Equal(t, 4, c.Active("u1"))

	_, err = c.Acquire("u1")
	assert.NoError(t, err)

	for _, r := range releases[1:] {
		r()
	}
	assert.Equal(t, 1, c.Active("u1"))
}

func TestMiddleware(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	l := New(2, time.Minute, clk)
	h := Middleware(l, "translate", func(r *http.Request) string {
		return r.Header.Get("X-User")
	}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/translate", nil)
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do("u1")
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	clk.Advance(15 * time.Second)
	assert.Equal(t, http.StatusNoContent, do("u1").Code)

	rec := do("u1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusNoContent, do("u2").Code)
}
