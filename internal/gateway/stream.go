package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tidemill/loom/internal/bus"
)

// wsEvent is the wire form of a bus event on the websocket feed. Payloads
// are the event structs the bus carries; they marshal to plain JSON objects.
type wsEvent struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// handleEvents implements GET /api/v1/events: a websocket stream of bus
// events, optionally narrowed with a ?topic= prefix (for example
// topic=task. or topic=dedup.).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available: bus not configured", http.StatusServiceUnavailable)
		return
	}

	prefix := r.URL.Query().Get("topic")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit pattern.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg := wsEvent{
				Topic:   event.Topic,
				Time:    time.Now().UTC(),
				Payload: event.Payload,
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				s.log.Debug("websocket write failed", "topic", event.Topic, "error", err)
				return
			}
			// The run-completed event is the natural end of the feed.
			if event.Topic == bus.TopicRunCompleted {
				conn.Close(websocket.StatusNormalClosure, "run completed")
				return
			}
		}
	}
}
