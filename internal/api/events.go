package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = 50 * time.Second
	eventsBuffer     = 64
)

// handleEvents streams bus events to a websocket client as JSON text
// frames until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.unavailable(w, "event bus")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe(eventsBuffer)
	defer s.deps.Events.Unsubscribe(sub)
	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// The read side only watches for close frames and pongs.
	done := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.logger.Debug("event stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
