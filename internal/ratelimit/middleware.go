package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the caller identity from a request. An empty result
// falls back to the remote address.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the response for a limited request. The Retry-After
// header is already set.
type DenyFunc func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

func defaultDeny(w http.ResponseWriter, _ *http.Request, _ time.Duration) {
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// Middleware limits requests per caller under prefix. deny may be nil.
func Middleware(l *Limiter, prefix string, key KeyFunc, deny DenyFunc) func(http.Handler) http.Handler {
	if deny == nil {
		deny = defaultDeny
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if key != nil {
				id = key(r)
			}
			if id == "" {
				id = r.RemoteAddr
			}
			k := Key(id, prefix)
			ok, retryAfter := l.Allow(k)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(l.Remaining(k)))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
				deny(w, r, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
