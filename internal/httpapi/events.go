package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/offq/internal/engine"
)

const (
	// DefaultEventBuffer is how far a client may fall behind before it is
	// dropped.
	DefaultEventBuffer = 256

	writeTimeout = 5 * time.Second
)

// handleEvents streams engine events as JSON text frames until the client
// goes away. A client that cannot keep up is disconnected rather than
// allowed to stall the engine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events := make(chan engine.Event, s.eventBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := s.queue.Subscribe(func(ev engine.Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("event stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-overflow:
			slog.Warn("event stream client too slow, disconnecting", "remote", r.RemoteAddr)
			conn.Close(websocket.StatusTryAgainLater, "event buffer overflow")
			return
		case ev := <-events:
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev engine.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
