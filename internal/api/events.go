package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/kalambet/syncq/internal/notify"
)

const (
	eventBuffer       = 32
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams notifier events as JSON text messages. A client that
// falls behind by more than eventBuffer events loses the overflow; every
// event only signals that state should be re-read.
func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ch := make(chan notify.Event, eventBuffer)
		unsubscribe := deps.Events.Subscribe(func(ev notify.Event) {
			select {
			case ch <- ev:
			default:
			}
		})
		defer unsubscribe()

		// Client messages are ignored; ctx ends when the peer goes away.
		ctx := conn.CloseRead(r.Context())

		select {
		case ch <- notify.Event{Type: notify.QueueChanged, At: time.Now().UTC()}:
		default:
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if err := writeEvent(ctx, conn, ev); err != nil {
					slog.Debug("event stream closed", "error", err)
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
