package monitor

import (
	"context"
	"log"
	"time"

	"signalrelay/internal/events"
	"signalrelay/pkg/db"
)

// Monitor watches the notification stream (trade closes, partial-failure
// warnings) and forwards each one through AlertFn — e.g. to a log line or
// an ops webhook.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventNotification, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.AlertFn(formatAlert(msg))
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case db.Notification:
		return "[" + t.Category + "] " + t.Message
	default:
		return "alert triggered"
	}
}
