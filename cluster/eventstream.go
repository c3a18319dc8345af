package cluster

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var eventStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHealthStreamHandler returns an http.HandlerFunc that upgrades the
// request to a websocket connection and pushes the cluster's GetHealth
// snapshot as JSON every interval until the client disconnects. Intended
// for an operator dashboard watching shard drain state live, the same role
// coordinator.go's websocket connection plays for build events.
func NewHealthStreamHandler(c *Cluster, interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := eventStreamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			health := c.GetHealth()
			data, err := json.Marshal(health)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			select {
			case <-ticker.C:
			case <-r.Context().Done():
				return
			}
		}
	}
}
