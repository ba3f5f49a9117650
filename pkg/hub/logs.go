package hub

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

const replayCount = 100

// frame is the server-to-client message envelope for the log endpoint.
type frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type logData struct {
	Stream    string `json:"stream"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type statusData struct {
	Status string `json:"status"`
}

// ServeLogs implements the `/ws/sandboxes/{id}/logs` endpoint from §4.6.
func (h *Hub) ServeLogs(w http.ResponseWriter, r *http.Request) {
	sandboxID := mux.Vars(r)["id"]

	userID, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sb, err := h.sandboxes.Get(r.Context(), userID, sandboxID)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade logs websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	if sb.UserID != userID {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4004, "not found"), deadlineNow())
		return
	}

	_ = conn.WriteJSON(frame{Event: "status", Data: statusData{Status: string(sb.Status)}})

	recent, err := h.sandboxes.GetLogs(r.Context(), userID, sandboxID, replayCount)
	if err != nil {
		h.logger.Warn("failed to load log replay", zap.String("sandbox_id", sandboxID), zap.Error(err))
	}
	for _, l := range recent {
		_ = conn.WriteJSON(frame{Event: "log", Data: toLogData(l)})
	}

	broker := h.brokers.get(sandboxID)
	viewerID, events := broker.attach()
	defer func() {
		broker.detach(viewerID)
		h.brokers.reap(sandboxID, broker)
	}()

	done := make(chan struct{})
	go h.readPings(conn, done)

	for {
		select {
		case <-done:
			return
		case entry, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(1009, "viewer buffer exceeded"), deadlineNow())
				return
			}
			if err := conn.WriteJSON(frame{Event: "log", Data: toLogData(entry)}); err != nil {
				return
			}
		}
	}
}

// readPings handles client -> server control frames (ping/pong) and
// signals done when the socket closes, per §4.6 step 4/5.
func (h *Hub) readPings(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &ctrl) == nil && ctrl.Type == "ping" {
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
		}
	}
}

func toLogData(l *models.SandboxLog) logData {
	return logData{
		Stream:    string(l.Stream),
		Text:      l.Text,
		Timestamp: l.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}
