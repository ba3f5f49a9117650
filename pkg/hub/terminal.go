package hub

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/runtime"
)

const (
	initialCols = 80
	initialRows = 24
)

type controlFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ServeTerminal implements the `/ws/sandboxes/{id}/terminal` endpoint
// from §4.6: an interactive PTY session multiplexed over one socket.
func (h *Hub) ServeTerminal(w http.ResponseWriter, r *http.Request) {
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
		h.logger.Warn("failed to upgrade terminal websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	if sb.UserID != userID {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4004, "not found"), deadlineNow())
		return
	}
	if sb.Status != models.StatusRunning || sb.ContainerRef == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4003, "sandbox is not running"), deadlineNow())
		return
	}

	session, err := h.runtime.ExecInteractive(r.Context(), sb.ContainerRef, initialCols, initialRows)
	if err != nil {
		h.logger.Warn("failed to open interactive session", zap.String("sandbox_id", sandboxID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to start session"), deadlineNow())
		return
	}
	defer session.Close()

	_ = conn.WriteJSON(map[string]string{"type": "ready"})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go h.pumpContainerOutput(conn, session, done)
	h.pumpClientInput(ctx, conn, session)
	<-done
}

// pumpContainerOutput forwards container stdout/stderr bytes as binary
// WebSocket frames, per §4.6 step 3. PTY end-of-stream closes the socket.
func (h *Hub) pumpContainerOutput(conn *websocket.Conn, session runtime.Session, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := session.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineNow())
			return
		}
	}
}

// pumpClientInput forwards binary frames to the PTY's stdin and
// interprets JSON-looking text frames as resize/ping control messages,
// per §4.6 step 4. Parse failures on a text frame fall through as raw
// input bytes.
func (h *Hub) pumpClientInput(ctx context.Context, conn *websocket.Conn, session runtime.Session) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if _, err := session.Write(data); err != nil {
				return
			}
		case websocket.TextMessage:
			if len(data) > 0 && data[0] == '{' {
				var ctrl controlFrame
				if err := json.Unmarshal(data, &ctrl); err == nil {
					switch ctrl.Type {
					case "resize":
						_ = session.Resize(ctx, ctrl.Cols, ctrl.Rows)
						continue
					case "ping":
						_ = conn.WriteJSON(map[string]string{"type": "pong"})
						continue
					}
				}
			}
			if _, err := session.Write(data); err != nil {
				return
			}
		}
	}
}
