package socket

import (
	"time"

	"github.com/mitalk/internal/model"
)

// Client message types.
const (
	TypeMessage = "MESSAGE"
	TypeUpdate  = "UPDATE"
	TypeDelete  = "DELETE"
)

// Server frame types.
const (
	FrameWaiting = "waiting"
	FrameSuccess = "success"
	FrameCrowded = "crowded"
	FrameMessage = "message"
	FrameUpdate  = "update"
	FrameDelete  = "delete"
	FrameFinish  = "finish"
	FrameError   = "error"
)

// OutgoingFrame is sent by the customer. An empty MessageType means a new message.
type OutgoingFrame struct {
	Message     string `json:"message,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	MessageType string `json:"message_type"`
}

// MessagePayload is a chat message as carried on the wire.
type MessagePayload struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Time   string `json:"time"`
}

// ServerFrame is any frame sent by the counseling server.
type ServerFrame struct {
	Type           string          `json:"type"`
	Remain         string          `json:"remain,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	CounsellorName string          `json:"counsellor_name,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ToChatMessage converts p; an unparsable time becomes now.
func (p MessagePayload) ToChatMessage() model.ChatMessage {
	ts, err := time.Parse(time.RFC3339, p.Time)
	if err != nil {
		ts = time.Now()
	}
	return model.ChatMessage{
		ID:        p.ID,
		Text:      p.Text,
		IsSelf:    p.Sender == model.SenderCustomer,
		Timestamp: ts,
	}
}

// PayloadFrom is the inverse of ToChatMessage.
func PayloadFrom(m model.ChatMessage) *MessagePayload {
	sender := model.SenderCounsellor
	if m.IsSelf {
		sender = model.SenderCustomer
	}
	return &MessagePayload{ID: m.ID, Text: m.Text, Sender: sender, Time: m.Timestamp.UTC().Format(time.RFC3339)}
}
