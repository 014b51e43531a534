package sync

import (
	"context"
	"log"
	"net/http"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/document"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// cross-origin is enforced by the CORS layer in front of the router
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades document sync requests to websocket sessions.
type Handler struct {
	hub       *Hub
	documents document.Service
}

func NewHandler(hub *Hub, documents document.Service) *Handler {
	return &Handler{hub: hub, documents: documents}
}

// Connect handles GET /documents/:id/sync. The auth middleware has already
// resolved the user; read access joins, write access also edits.
func (h *Handler) Connect(c *gin.Context) {
	v, exists := c.Get("user_id")
	if !exists {
		c.Error(errors.Unauthorized("user not found", nil))
		return
	}
	userID := v.(uint64)

	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(errors.BadRequest("Invalid document id", err))
		return
	}

	_, access, err := h.documents.AccessFor(c.Request.Context(), docID, userID)
	if err != nil {
		c.Error(err)
		return
	}
	if access == document.AccessNone {
		c.Error(errors.Forbidden("No access to this document", nil))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own response
		log.Printf("[INFO] websocket upgrade failed: %v", err)
		return
	}

	session := newSession(h.hub, conn, docID, userID, access == document.AccessWrite)
	if err := h.hub.Join(c.Request.Context(), session); err != nil {
		session.sendControl(controlFrame{Type: "error", Error: err.Error()})
		conn.Close()
		return
	}

	// the request context dies with this handler; the session outlives it
	go session.writePump()
	go session.readPump(context.Background())
}

// Status reports the delivery state of every session on the document plus
// whether the persisted snapshot is current.
func (h *Handler) Status(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(errors.BadRequest("Invalid document id", err))
		return
	}

	sessions := h.hub.Sessions(docID)
	if sessions == nil {
		sessions = []SessionStatus{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":         sessions,
		"participants":     len(sessions),
		"snapshot_current": h.hub.SnapshotCurrent(docID),
	})
}
