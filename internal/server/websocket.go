package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencode-ai/chatbridge/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // adapters run on other origins
	},
}

// websocketEvents handles GET /ws. It carries the same JSON events as
// /event, one per text message. Incoming messages are ignored.
func (s *Server) websocketEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	events, err := s.bus.Stream(ctx, streamBuffer)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}

	// The read pump only watches for the peer closing.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(kind int, payload []byte) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(kind, payload)
	}
	if err := write(websocket.TextMessage, connectedEvent); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case payload, ok := <-events:
			if !ok {
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !matchesThread(payload, threadID) {
				continue
			}
			if err := write(websocket.TextMessage, payload); err != nil {
				logging.Debug().Err(err).Msg("websocket client went away")
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
