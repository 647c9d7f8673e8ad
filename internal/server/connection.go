package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"babblefish/internal/protocol"
	"babblefish/internal/room"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20

	// The connection is closed on this many protocol offenses.
	maxProtocolErrors = 10
)

// conn tracks one WebSocket client across its lifecycle.
type conn struct {
	ws     *websocket.Conn
	queue  *room.SendQueue
	srv    *Server
	logger *log.Logger

	// Set after a successful join.
	room          *room.Room
	participantID string

	protocolErrors int
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "err", err)
		return
	}

	connID := uuid.NewString()[:8]
	c := &conn{
		ws:     ws,
		queue:  room.NewSendQueue(room.SendQueueCapacity),
		srv:    s,
		logger: s.logger.With("conn", connID),
	}

	c.logger.Info("client connected", "remote", r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

// writePump drains the send queue onto the socket. It exits when the queue
// closes (participant removed or room torn down) or on a write error.
func (c *conn) writePump() {
	logger := c.logger
	for {
		msg, ok := c.queue.Pop()
		if !ok {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = c.ws.Close()
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg.Payload); err != nil {
			logger.Debug("write failed", "err", err)
			_ = c.ws.Close()
			return
		}
	}
}

// readPump consumes inbound frames until the socket closes or the idle
// deadline passes, then performs the implicit leave.
func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	idle := c.srv.cfg.IdleConnectionTimeout()

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.logger.Info("closing idle connection")
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout"),
					time.Now().Add(writeWait))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			if c.protocolError("binary frames are not supported") {
				return
			}
			continue
		}

		msg, err := protocol.ParseInbound(data)
		if err != nil {
			c.logger.Debug("rejected frame", "err", err)
			if c.protocolError(err.Error()) {
				return
			}
			continue
		}

		if done := c.dispatch(msg); done {
			return
		}
	}
}

// dispatch routes one parsed message; it returns true when the connection
// should close.
func (c *conn) dispatch(msg *protocol.Inbound) bool {
	switch msg.Type {
	case protocol.TypePing:
		c.queue.Push(room.Outbound{Payload: protocol.NewPong()})
		return false

	case protocol.TypeJoin:
		if c.room != nil {
			return c.protocolError("already joined")
		}
		c.handleJoin(msg.Join)
		return false

	case protocol.TypeLeave:
		if c.room == nil {
			return c.protocolError("leave before join")
		}
		// Teardown performs the actual leave; a second leave after this
		// point finds the participant already gone and is a no-op.
		return true

	case protocol.TypeAudio:
		if c.room == nil {
			return c.protocolError("audio before join")
		}
		c.room.HandleAudio(c.participantID, msg.Audio.Data)
		return false

	case protocol.TypeUtteranceEnd:
		if c.room == nil {
			return c.protocolError("utterance_end before join")
		}
		c.room.HandleUtteranceEnd(c.participantID)
		return false
	}
	return c.protocolError("unknown message type")
}

func (c *conn) handleJoin(join *protocol.Join) {
	if !c.srv.registry.Supports(join.Language) {
		c.queue.Push(room.Outbound{
			Payload:  protocol.NewError(protocol.CodeUnsupportedLanguage, fmt.Sprintf("unsupported language %q", join.Language)),
			Critical: true,
		})
		return
	}

	decoder, err := c.srv.newDecoder()
	if err != nil {
		c.logger.Warn("decoder init failed", "err", err)
		c.queue.Push(room.Outbound{
			Payload:  protocol.NewError(protocol.CodePipelineError, "failed to initialize audio decoder"),
			Critical: true,
		})
		return
	}

	r, pid, _, err := c.srv.manager.Join(join.RoomID, join.Name, join.Language, c.queue, decoder)
	if err != nil {
		c.queue.Push(room.Outbound{
			Payload:  protocol.NewError(protocol.CodeRoomFull, joinErrorMessage(err, c.srv.cfg.MaxParticipantsPerRoom)),
			Critical: true,
		})
		return
	}

	c.room = r
	c.participantID = pid
	c.logger = c.srv.logger.With("room", r.ID, "participant", pid)
}

func joinErrorMessage(err error, maxParticipants int) string {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return fmt.Sprintf("Room is full (max %d participants)", maxParticipants)
	case errors.Is(err, room.ErrTooManyRooms):
		return "Maximum number of rooms reached"
	default:
		return "failed to join room"
	}
}

// protocolError answers INVALID_MESSAGE and closes repeat offenders. It
// returns true when the connection should close.
func (c *conn) protocolError(detail string) bool {
	c.protocolErrors++
	c.queue.Push(room.Outbound{
		Payload:  protocol.NewError(protocol.CodeInvalidMessage, detail),
		Critical: true,
	})
	return c.protocolErrors >= maxProtocolErrors
}

// teardown performs the implicit leave and stops the write pump.
func (c *conn) teardown() {
	if c.room != nil {
		// The room closes the queue when it removes the participant.
		c.room.Leave(c.participantID, "disconnect")
	} else {
		c.queue.Close()
	}
	_ = c.ws.Close()
	c.logger.Info("client disconnected")
}
