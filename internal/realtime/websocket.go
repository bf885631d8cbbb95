package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldops/backend/internal/events"
)

const (
	writeWait  = 5 * time.Second  // per-frame write deadline
	pongWait   = 60 * time.Second // read deadline, refreshed by client pings
	maxMsgSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // auth happens before upgrade
}

// clientMessage is what connected clients send.
type clientMessage struct {
	Type          string              `json:"type"` // subscribe | ping | replay
	Filters       *SubscriptionFilter `json:"filters,omitempty"`
	FromTimestamp *time.Time          `json:"fromTimestamp,omitempty"`
	EventTypes    []string            `json:"eventTypes,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
}

// serverMessage is what the server sends.
type serverMessage struct {
	Type      string              `json:"type"` // event | pong
	Data      *events.DomainEvent `json:"data,omitempty"`
	Timestamp *time.Time          `json:"timestamp,omitempty"`
}

// Handler upgrades authenticated HTTP requests to WebSocket sessions.
type Handler struct {
	registry *Registry
	bus      *events.Bus
}

// NewHandler wires the registry and the bus for replay reads.
func NewHandler(registry *Registry, bus *events.Bus) *Handler {
	return &Handler{registry: registry, bus: bus}
}

// ServeWS upgrades the connection and runs the session pumps. The caller has
// already authenticated the request; userID and role come from the verified
// token.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request, userID, role string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := h.registry.Register(userID, role)

	// Two goroutines with clear ownership: writePump owns all writes,
	// readPump owns all reads. No other goroutine touches conn.
	go h.writePump(session, conn)
	go h.readPump(session, conn)
}

func (h *Handler) writePump(s *Session, conn *websocket.Conn) {
	defer func() {
		h.registry.Unregister(s.ID)
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			var msg serverMessage
			if frame.Pong != nil {
				msg = serverMessage{Type: "pong", Timestamp: frame.Pong}
			} else {
				msg = serverMessage{Type: "event", Data: frame.Event}
			}
			if err := conn.WriteJSON(msg); err != nil {
				slog.Warn("websocket write failed, closing session",
					"session", s.ID, "error", err)
				return
			}
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *Handler) readPump(s *Session, conn *websocket.Conn) {
	defer h.registry.Unregister(s.ID)

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "session", s.ID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Info("invalid client message", "session", s.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.Filters != nil {
				s.SetFilter(*msg.Filters)
			}
		case "ping":
			now := time.Now().UTC()
			s.Ping(now)
			select {
			case s.send <- outbound{Pong: &now}:
			default:
			}
		case "replay":
			h.replay(s, msg)
		default:
			slog.Info("unknown client message type", "session", s.ID, "type", msg.Type)
		}
	}
}

// replay serves logged events from the requested timestamp, re-filtered
// through the authorization matrix per session.
func (h *Handler) replay(s *Session, msg clientMessage) {
	if msg.FromTimestamp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logged, err := h.bus.ReadLog(ctx, *msg.FromTimestamp, msg.EventTypes, msg.Limit)
	if err != nil {
		slog.Warn("replay read failed", "session", s.ID, "error", err)
		return
	}
	filter := s.Filter()
	for _, event := range logged {
		if !Authorized(s.Role, s.UserID, filter, event) {
			continue
		}
		select {
		case s.send <- outbound{Event: event}:
		default:
			// Slow consumer mid-replay; the delivery path will reap it.
			return
		}
	}
}
