package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is the wire envelope for the /events WebSocket.
type streamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// handleEvents upgrades to a WebSocket and relays bus events whose topic
// matches the optional ?topics= prefix (empty matches everything). Slow
// consumers lose events rather than blocking publishers; the bus already
// drops on a full buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	prefix := r.URL.Query().Get("topics")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, streamEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
