package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"botvisor/internal/logging"
	ws "botvisor/internal/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocket upgrades the connection and attaches it to the activity hub.
func WebSocket(hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		ws.NewClient(hub, conn).Start()
	}
}
