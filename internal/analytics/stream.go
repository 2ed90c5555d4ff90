package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/caseguide/internal/ratelimit"
)

const (
	// DefaultStreamInterval is how often live metrics are pushed.
	DefaultStreamInterval = 30 * time.Second

	// DefaultStreamConnections caps concurrent streams per user.
	DefaultStreamConnections = 3

	// UpdateType tags every pushed message.
	UpdateType = "metrics_update"
)

// Update is one live metrics message.
type Update struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Health    `json:"data"`
}

// Hub fans health snapshots out to subscribed streams.
type Hub struct {
	svc   *Service
	conns *ratelimit.ConnectionCounter

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates a hub allowing perUser concurrent subscriptions per
// user. A non-positive perUser means DefaultStreamConnections.
func NewHub(svc *Service, perUser int) *Hub {
	if perUser <= 0 {
		perUser = DefaultStreamConnections
	}
	return &Hub{
		svc:   svc,
		conns: ratelimit.NewConnectionCounter(perUser),
		subs:  map[*Subscription]struct{}{},
	}
}

// Subscription receives updates until closed. Only the latest
// undelivered update is kept.
type Subscription struct {
	C <-chan Update

	ch      chan Update
	hub     *Hub
	release func()
	once    sync.Once
}

// Subscribe registers a stream for userID. It fails with a
// *ratelimit.LimitError once the user holds the maximum.
func (h *Hub) Subscribe(userID string) (*Subscription, error) {
	release, err := h.conns.Acquire(ratelimit.Key(userID, "metrics_stream"))
	if err != nil {
		return nil, err
	}
	ch := make(chan Update, 1)
	sub := &Subscription{C: ch, ch: ch, hub: h, release: release}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.svc.logger.Debug("metrics stream opened", "user", userID, "streams", n)
	return sub, nil
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		s.release()
	})
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Snapshot evaluates the current health as an update.
func (h *Hub) Snapshot(ctx context.Context) (Update, error) {
	health, err := h.svc.Health(ctx)
	if err != nil {
		return Update{}, err
	}
	return Update{Type: UpdateType, Timestamp: health.CheckedAt, Data: health}, nil
}

// Broadcast sends one snapshot to every subscription. A subscriber that
// has not read the previous update gets it replaced. Nothing is computed
// when there are no subscribers.
func (h *Hub) Broadcast(ctx context.Context) error {
	if h.Subscribers() == 0 {
		return nil
	}
	u, err := h.Snapshot(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- u
	}
	return nil
}

// Run broadcasts every interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Broadcast(ctx); err != nil && ctx.Err() == nil {
				h.svc.logger.Warn("metrics broadcast failed", "error", err)
			}
		}
	}
}
