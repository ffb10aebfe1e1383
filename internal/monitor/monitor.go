package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"bracket-core/internal/events"
)

// Monitor forwards bracket alerts to an operator sink.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

// LogSink writes alerts to the process log.
func LogSink(msg string) {
	log.Printf("🚨 %s", msg)
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventBracketAlert, 50)
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
	switch a := msg.(type) {
	case events.Alert:
		at := a.At
		if at.IsZero() {
			at = time.Now()
		}
		return fmt.Sprintf("[%s] %s bracket=%d order=%d user=%d: %s",
			at.Format(time.RFC3339), a.Kind, a.EntryID, a.OrderID, a.UserID, a.Message)
	case string:
		return "[" + time.Now().Format(time.RFC3339) + "] " + a
	default:
		return "[" + time.Now().Format(time.RFC3339) + "] alert triggered"
	}
}
