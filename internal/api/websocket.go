package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signalrelay/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope tags each pushed message with the event that produced it, so
// one ops socket can multiplex several event kinds.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// watchedEvents is what the ops socket streams: execution outcomes, trade
// closes, and operator-facing notifications (§8 invariants 1/6 telemetry).
var watchedEvents = []events.Event{
	events.EventExecutionCompleted,
	events.EventTradeClosed,
	events.EventNotification,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan wsEnvelope, 100)
	for _, ev := range watchedEvents {
		stream, unsub := s.Bus.Subscribe(ev, 100)
		defer unsub()
		go func(name events.Event, in <-chan any) {
			for msg := range in {
				merged <- wsEnvelope{Event: string(name), Data: msg}
			}
		}(ev, stream)
	}

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
