package realtime

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctor/internal/config"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		// Clients connect from file:// and LAN origins during exams.
		return true
	},
}

// Handler upgrades websocket requests and runs their read loops.
type Handler struct {
	coordinator *Coordinator
	bufferSize  int
	writeTime   time.Duration
}

func NewHandler(coordinator *Coordinator, cfg *config.Config) *Handler {
	return &Handler{
		coordinator: coordinator,
		bufferSize:  cfg.Realtime.BufferSize,
		writeTime:   cfg.Realtime.WriteTimeout,
	}
}

// ServeHTTP handles GET /ws?role=student|teacher. The role only gates the
// initial registration path; students still authenticate via the join
// event before any session state is touched.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role != "student" && role != "teacher" {
		http.Error(w, "role must be student or teacher", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}

	conn := NewConnection(ws, h.bufferSize, h.writeTime)
	conn.SetRole(role)
	// The request context ends when this handler returns; the connection
	// outlives it.
	if role == "teacher" {
		h.coordinator.handleTeacherJoin(context.Background(), conn)
	}

	go h.readLoop(conn)
}

func (h *Handler) readLoop(conn *Connection) {
	ctx := context.Background()
	defer h.coordinator.HandleDisconnect(ctx, conn)

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: read error session=%s err=%v", conn.SessionID(), err)
			}
			return
		}
		h.coordinator.Dispatch(ctx, conn, env)
	}
}
