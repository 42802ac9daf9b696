package controlplane

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamInterval is how often a connected client receives a fresh
// status snapshot.
const streamInterval = time.Second

// handleStatusStream upgrades to a websocket and pushes a status
// snapshot every streamInterval until a write fails (the client has
// gone) or the request context is cancelled. Server.Stop does not close
// an upgraded connection. This is push-only: the connection never reads
// client frames beyond the initial upgrade.
func handleStatusStream(status StatusSource, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Debug("control plane: websocket upgrade failed")
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(streamInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				data, err := json.Marshal(status.Snapshot())
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}
