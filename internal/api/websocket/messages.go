package websocket

import (
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"

	// Backend status, sent on every coordinator change and on request.
	MessageTypeBackendStatus MessageType = "backend_status"

	MessageTypeOperationStarted  MessageType = "operation_started"
	MessageTypeOperationFinished MessageType = "operation_finished"

	MessageTypeError MessageType = "error"
)

// Client requests.
const (
	requestAuth      = "auth"
	requestGetStatus = "get_status"
)

// Message represents a WebSocket message. Seq increases with every
// broadcast so clients can spot gaps after a slow-consumer disconnect.
type Message struct {
	Type      MessageType `json:"type"`
	Seq       uint64      `json:"seq,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

type clientRequest struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type authData struct {
	Permissions any    `json:"permissions,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// OperationData is the payload of operation messages.
type OperationData struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	State       string  `json:"state"`
	Progress    float64 `json:"progress"`
	ErrorKind   string  `json:"error_kind,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func newOperationMessage(msgType MessageType, snap operation.Snapshot) Message {
	data := OperationData{
		ID:          snap.ID.String(),
		Kind:        string(snap.Kind),
		Description: snap.Description,
		State:       snap.State,
		Progress:    snap.Progress,
	}
	if snap.Error != nil {
		data.ErrorKind = snap.Error.Kind.String()
		data.Error = snap.Error.Message
	}
	return NewMessage(msgType, data)
}
