package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"crdt-editor/internal/logging"
	"crdt-editor/internal/presence"
	"crdt-editor/internal/session"
)

// Handler upgrades requests to websockets and dispatches their frames to
// the session manager.
type Handler struct {
	mgr        *session.Manager
	log        *logging.Logger
	sendBuffer int
	upgrader   websocket.Upgrader
}

func NewHandler(mgr *session.Manager, log *logging.Logger, sendBuffer int) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{
		mgr:        mgr,
		log:        log,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // no auth; any origin may join
			},
		},
	}
}

// ServeHTTP handles GET /ws. A session_id query parameter joins at once,
// with user_id and name as the participant id and display name.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}
	c := newConn(ws, h.sendBuffer)
	h.log.Debugf("connection %s opened from %s", c.id, r.RemoteAddr)
	go c.writePump()

	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		info := session.ParticipantInfo{
			ParticipantID: r.URL.Query().Get("user_id"),
			DisplayName:   r.URL.Query().Get("name"),
			Color:         r.URL.Query().Get("color"),
		}
		if info.DisplayName == "" {
			info.DisplayName = "anonymous"
		}
		if _, _, err := h.mgr.Join(r.Context(), c, sessionID, info); err != nil {
			h.sendError(c, "", err)
		}
	}
	h.readPump(c)
}

func (h *Handler) readPump(c *Conn) {
	defer func() {
		h.mgr.Disconnect(c.id)
		c.Close()
		h.log.Debugf("connection %s closed", c.id)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.mgr.Touch(c.id)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugf("connection %s: %v", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f session.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.sendError(c, "", fmt.Errorf("%w: malformed frame: %v", session.ErrValidation, err))
			continue
		}
		if err := h.dispatch(context.Background(), c, f); err != nil {
			h.sendError(c, f.Ref, err)
		}
	}
}

var errNotJoined = fmt.Errorf("%w: join a session first", session.ErrValidation)

func (h *Handler) dispatch(ctx context.Context, c *Conn, f session.Frame) error {
	if f.Type == session.EventJoinSession {
		var req session.JoinRequest
		if err := decode(f.Data, &req); err != nil {
			return err
		}
		_, _, err := h.mgr.Join(ctx, c, req.SessionID, req.ParticipantInfo)
		return err
	}

	b, ok := h.mgr.Binding(c.id)
	if !ok {
		return errNotJoined
	}

	switch f.Type {
	case session.EventLeaveSession:
		return h.mgr.Leave(ctx, b.SessionID, b.ParticipantID)

	case session.EventSendOperation:
		if len(f.Data) == 0 {
			return fmt.Errorf("%w: send-operation needs an update", session.ErrValidation)
		}
		return h.mgr.ApplyOperation(ctx, b.SessionID, b.ParticipantID, f.Data)

	case session.EventMoveCursor:
		var cur presence.Cursor
		if err := decode(f.Data, &cur); err != nil {
			return err
		}
		if cur.Timestamp == 0 {
			cur.Timestamp = time.Now().UnixMilli()
		}
		_, err := h.mgr.MoveCursor(b.SessionID, b.ParticipantID, cur)
		return err

	case session.EventChangeSelection:
		var sel presence.Selection
		if err := decode(f.Data, &sel); err != nil {
			return err
		}
		if sel.Timestamp == 0 {
			sel.Timestamp = time.Now().UnixMilli()
		}
		_, err := h.mgr.ChangeSelection(b.SessionID, b.ParticipantID, sel)
		return err

	case session.EventSaveDocument:
		var req session.SaveRequest
		if err := decode(f.Data, &req); err != nil {
			return err
		}
		_, err := h.mgr.Save(ctx, b.SessionID, b.ParticipantID, req.Content)
		return err

	case session.EventHeartbeat:
		if err := h.mgr.Heartbeat(b.SessionID, b.ParticipantID); err != nil {
			return err
		}
		frame, err := session.EncodeFrame(session.EventHeartbeatAck, f.Ref, map[string]int64{"timestamp": time.Now().UnixMilli()})
		if err != nil {
			return err
		}
		return c.Send(frame)

	default:
		return fmt.Errorf("%w: unknown event type %q", session.ErrValidation, f.Type)
	}
}

func (h *Handler) sendError(c *Conn, ref string, err error) {
	if errors.Is(err, session.ErrTransport) {
		return
	}
	h.log.Debugf("connection %s: %v", c.id, err)
	frame, encErr := session.EncodeFrame(session.EventError, ref, session.NewErrorPayload(err))
	if encErr != nil {
		h.log.Errorf("encode error frame: %v", encErr)
		return
	}
	if sendErr := c.Send(frame); sendErr != nil {
		h.log.Debugf("connection %s: error frame not sent: %v", c.id, sendErr)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	return nil
}
