package session

import (
	"encoding/json"
	"time"

	"crdt-editor/internal/crdt"
	"crdt-editor/internal/presence"
)

// Event types exchanged over the websocket channel.
const (
	// client -> server
	EventJoinSession     = "join-session"
	EventLeaveSession    = "leave-session"
	EventSendOperation   = "send-operation"
	EventMoveCursor      = "move-cursor"
	EventChangeSelection = "change-selection"
	EventSaveDocument    = "save-document"
	EventHeartbeat       = "heartbeat"

	// server -> client
	EventSessionJoined      = "session-joined"
	EventParticipantJoined  = "participant-joined"
	EventParticipantLeft    = "participant-left"
	EventPresenceRemoved    = "presence-removed"
	EventParticipantUpdated = "participant-updated"
	EventOperationReceived  = "operation-received"
	EventCursorMoved        = "cursor-moved"
	EventSelectionChanged   = "selection-changed"
	EventDocumentSaved      = "document-saved"
	EventHeartbeatAck       = "heartbeat-ack"
	EventError              = "error"
)

// Frame is one websocket message. Ref is chosen by the client and echoed on
// the error frame of a failed request.
type Frame struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals data and wraps it in a frame.
func EncodeFrame(typ, ref string, data any) ([]byte, error) {
	f := Frame{Type: typ, Ref: ref}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// ParticipantInfo is what a client supplies when joining.
type ParticipantInfo struct {
	ParticipantID string `json:"participantId,omitempty"`
	DisplayName   string `json:"displayName"`
	Color         string `json:"color,omitempty"`
}

// JoinRequest is the payload of join-session.
type JoinRequest struct {
	SessionID string `json:"sessionId"`
	ParticipantInfo
}

// Participant is the public view of one session member.
type Participant struct {
	ID          string              `json:"id"`
	DisplayName string              `json:"displayName"`
	Color       string              `json:"color"`
	Cursor      *presence.Cursor    `json:"cursor,omitempty"`
	Selection   *presence.Selection `json:"selection,omitempty"`
	JoinedAt    time.Time           `json:"joinedAt"`
	LastSeen    time.Time           `json:"lastSeen"`
	Active      bool                `json:"isActive"`
}

// Snapshot is the full state handed to a joiner.
type Snapshot struct {
	SessionID    string        `json:"sessionId"`
	Strategy     crdt.Strategy `json:"strategy"`
	Participants []Participant `json:"participants"`
	Document     *crdt.Update  `json:"document"`
	Text         string        `json:"text"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// SessionJoined is the payload of session-joined.
type SessionJoined struct {
	Participant Participant `json:"participant"`
	Snapshot    Snapshot    `json:"snapshot"`
}

// ParticipantRef names a participant in participant-left and presence-removed.
type ParticipantRef struct {
	ParticipantID string `json:"participantId"`
}

type CursorMoved struct {
	ParticipantID string          `json:"participantId"`
	Cursor        presence.Cursor `json:"cursor"`
}

type SelectionChanged struct {
	ParticipantID string             `json:"participantId"`
	Selection     presence.Selection `json:"selection"`
}

// SaveRequest is the payload of save-document. A nil Content saves the
// session's current text.
type SaveRequest struct {
	Content *string `json:"content"`
}

// DocumentSaved is the payload of document-saved. Timestamp is unix ms.
type DocumentSaved struct {
	Timestamp int64  `json:"timestamp"`
	SavedBy   string `json:"savedBy"`
}

// ErrorPayload is the payload of error frames.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// NewErrorPayload describes err for the client.
func NewErrorPayload(err error) ErrorPayload {
	return ErrorPayload{Message: err.Error(), Code: ErrorCode(err), Retryable: IsRetryable(err)}
}

// ParticipantUpdate changes a participant out of band. Nil fields are left
// untouched.
type ParticipantUpdate struct {
	DisplayName *string             `json:"displayName,omitempty"`
	Color       *string             `json:"color,omitempty"`
	Cursor      *presence.Cursor    `json:"cursor,omitempty"`
	Selection   *presence.Selection `json:"selection,omitempty"`
}
