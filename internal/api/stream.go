package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/caseguide/internal/analytics"
	"github.com/roach88/caseguide/internal/apperr"
)

// Connection deadlines use the wall clock, not s.clock.
const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamReadLimit  = 512
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// streamMetrics upgrades to a websocket and pushes a health snapshot on
// connect and on every hub broadcast. Client messages are discarded.
func (s *Server) streamMetrics(w http.ResponseWriter, r *http.Request) {
	if s.svc.Metrics == nil {
		s.writeError(w, r, unavailable("metrics streaming"))
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		s.writeError(w, r, apperr.Invalid("upgrade", "a websocket upgrade is required"))
		return
	}
	a := actor(r)
	sub, err := s.svc.Metrics.Subscribe(a.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("metrics stream upgrade failed", "user", a.UserID, "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(streamReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(u analytics.Update) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(u); err != nil {
			s.logger.Debug("metrics stream write failed", "user", a.UserID, "error", err)
			return false
		}
		return true
	}

	first, err := s.svc.Metrics.Snapshot(r.Context())
	if err != nil {
		s.logger.Warn("metrics snapshot failed", "error", err)
	} else if !send(first) {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case u := <-sub.C:
			if !send(u) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
