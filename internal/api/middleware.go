package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/analytics"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/ratelimit"
)

type ctxKey int

const (
	actorKey ctxKey = iota
	tokenKey
)

var (
	errRouteNotFound = apperr.New(apperr.CodeNotFound, "route not found")
	errNoToken       = apperr.New(apperr.CodeUnauthorized, "missing bearer token")
	errNoActor       = apperr.New(apperr.CodeUnauthorized, "not authenticated")
)

// ActorFrom returns the authenticated caller stored by requireSession.
func ActorFrom(ctx context.Context) (admin.Actor, bool) {
	a, ok := ctx.Value(actorKey).(admin.Actor)
	return a, ok
}

func actor(r *http.Request) admin.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireSession resolves the bearer token to an actor. Websocket
// upgrades may pass the token as the "token" query parameter instead,
// since browsers cannot set headers on them.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && websocket.IsWebSocketUpgrade(r) {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.writeError(w, r, errNoToken)
			return
		}
		a, err := s.svc.Admin.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		a.IPAddress = clientIP(r)
		a.UserAgent = r.UserAgent()
		ctx := context.WithValue(r.Context(), actorKey, a)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects actors whose role lacks p.
func (s *Server) requirePermission(p admin.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := ActorFrom(r.Context())
			if !ok {
				s.writeError(w, r, errNoActor)
				return
			}
			if err := a.Require(p); err != nil {
				s.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies the per-user sliding window under prefix.
func (s *Server) rateLimit(prefix string) func(http.Handler) http.Handler {
	key := func(r *http.Request) string { return actor(r).UserID }
	return ratelimit.Middleware(s.limiter, prefix, key, s.denyRateLimited)
}

func (s *Server) denyRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	writeJSON(w, http.StatusTooManyRequests, envelope{Status: statusError, Error: &errorBody{
		Code:      string(apperr.CodeRateLimited),
		Message:   fmt.Sprintf("rate limit of %d requests exceeded, retry in %s", s.limiter.Limit(), retryAfter.Round(time.Second)),
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

// limitConnections caps concurrent long-running requests per user.
func (s *Server) limitConnections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := actor(r).UserID
		if key == "" {
			key = clientIP(r)
		}
		release, err := s.conns.Acquire(key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", s.clock.Now().Sub(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// recordMetrics stores the response time of every API request and counts
// server errors. Websocket streams are not requests and are skipped.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.svc.Analytics == nil || !strings.HasPrefix(r.URL.Path, "/api/") || websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)
		elapsed := s.clock.Now().Sub(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		meta := map[string]any{"method": r.Method, "route": route, "status": status}

		ctx := context.WithoutCancel(r.Context())
		s.record(ctx, analytics.RecordRequest{
			Name:     analytics.MetricResponseTime,
			Value:    float64(elapsed) / float64(time.Millisecond),
			Unit:     "ms",
			Category: analytics.CategoryPerformance,
			Metadata: meta,
		})
		if status >= http.StatusInternalServerError {
			s.record(ctx, analytics.RecordRequest{
				Name:     analytics.MetricHTTPError,
				Value:    1,
				Unit:     "count",
				Category: analytics.CategoryError,
				Metadata: meta,
			})
		}
	})
}

func (s *Server) record(ctx context.Context, req analytics.RecordRequest) {
	if _, err := s.svc.Analytics.Record(ctx, req); err != nil {
		s.logger.Warn("metric not recorded", "metric", req.Name, "error", err)
	}
}
