package chat

import (
	"encoding/json"

	"github.com/mitalk/internal/model"
)

// EffectKind discriminates Effect.
type EffectKind int

const (
	EffectMessageReceived EffectKind = iota + 1
	EffectMessageUpdated
	EffectMessageDeleted
	EffectRoomJoined
	EffectWaitingRoom
	EffectRoomAtCapacity
	EffectRoomClosed
	EffectSocketError
	EffectFileTooLarge
	EffectFileNeedsConfirmation
	EffectFileTypeNotAllowed
	EffectUploadSucceeded
	EffectUploadFailed
)

func (k EffectKind) String() string {
	switch k {
	case EffectMessageReceived:
		return "message_received"
	case EffectMessageUpdated:
		return "message_updated"
	case EffectMessageDeleted:
		return "message_deleted"
	case EffectRoomJoined:
		return "room_joined"
	case EffectWaitingRoom:
		return "waiting_room"
	case EffectRoomAtCapacity:
		return "room_at_capacity"
	case EffectRoomClosed:
		return "room_closed"
	case EffectSocketError:
		return "socket_error"
	case EffectFileTooLarge:
		return "file_too_large"
	case EffectFileNeedsConfirmation:
		return "file_needs_confirmation"
	case EffectFileTypeNotAllowed:
		return "file_type_not_allowed"
	case EffectUploadSucceeded:
		return "upload_succeeded"
	case EffectUploadFailed:
		return "upload_failed"
	}
	return "unknown"
}

// Effect is a one-shot event for the UI. Which fields are set depends on Kind:
//
//	MessageReceived       Message, ListSize (new total count, not an index)
//	MessageUpdated        Message
//	MessageDeleted        MessageID
//	RoomJoined            RoomID
//	WaitingRoom           Remaining
//	SocketError           Err
//	FileNeedsConfirmation Handle
//	UploadSucceeded       UploadID, Handle, URL
//	UploadFailed          UploadID, Handle, Err
type Effect struct {
	Kind      EffectKind
	Message   model.ChatMessage
	ListSize  int
	MessageID string
	RoomID    string
	Remaining string
	Handle    string
	UploadID  string
	URL       string
	Err       error
}

type effectJSON struct {
	Kind      string             `json:"kind"`
	Message   *model.ChatMessage `json:"message,omitempty"`
	ListSize  int                `json:"list_size,omitempty"`
	MessageID string             `json:"message_id,omitempty"`
	RoomID    string             `json:"room_id,omitempty"`
	Remaining string             `json:"remaining,omitempty"`
	Handle    string             `json:"handle,omitempty"`
	UploadID  string             `json:"upload_id,omitempty"`
	URL       string             `json:"url,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func (e Effect) MarshalJSON() ([]byte, error) {
	out := effectJSON{
		Kind:      e.Kind.String(),
		ListSize:  e.ListSize,
		MessageID: e.MessageID,
		RoomID:    e.RoomID,
		Remaining: e.Remaining,
		Handle:    e.Handle,
		UploadID:  e.UploadID,
		URL:       e.URL,
	}
	if e.Kind == EffectMessageReceived || e.Kind == EffectMessageUpdated {
		m := e.Message
		out.Message = &m
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
