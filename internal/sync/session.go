package sync

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxUpdateBytes = 1 << 20
	sendBuffer     = 256
)

// Session is one websocket participant in a document's editing session.
type Session struct {
	ID       uuid.UUID
	UserID   uint64
	canWrite bool

	docID uuid.UUID
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
}

func newSession(hub *Hub, conn *websocket.Conn, docID uuid.UUID, userID uint64, canWrite bool) *Session {
	return &Session{
		ID:       uuid.New(),
		UserID:   userID,
		canWrite: canWrite,
		docID:    docID,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
}

// enqueue hands a frame to the writer. A session that can't keep up is
// dropped rather than allowed to stall the document.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		log.Printf("[INFO] session %s on doc %s too slow, closing", s.ID, s.docID)
		s.conn.Close()
	}
}

type controlFrame struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

func (s *Session) sendControl(frame controlFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.TextMessage, raw)
}

// readPump consumes frames until the connection drops. Binary frames are
// document updates; anything else is ignored.
func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.hub.Leave(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxUpdateBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[INFO] session %s read error: %v", s.ID, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if !s.canWrite {
			s.sendControl(controlFrame{Type: "error", Error: "read-only access"})
			continue
		}
		if err := s.hub.Broadcast(ctx, s, payload); err != nil {
			// the update was rejected whole, local state is untouched
			s.sendControl(controlFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
