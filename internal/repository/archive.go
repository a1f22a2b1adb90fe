package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitalk/internal/model"
)

// Archive writes what the chat controller commits into the room and message tables.
type Archive struct {
	Rooms    *RoomRepository
	Messages *MessageRepository
}

func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{Rooms: NewRoomRepository(pool), Messages: NewMessageRepository(pool)}
}

func (a *Archive) RoomOpened(ctx context.Context, roomID, chatType, counsellor string) error {
	return a.Rooms.Open(ctx, Room{ID: roomID, ChatType: chatType, CounsellorName: counsellor, StartedAt: time.Now()})
}

func (a *Archive) RoomClosed(ctx context.Context, roomID string) error {
	err := a.Rooms.Close(ctx, roomID, time.Now())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (a *Archive) Appended(ctx context.Context, roomID string, m model.ChatMessage) error {
	return a.Messages.Append(ctx, roomID, m)
}

func (a *Archive) Updated(ctx context.Context, roomID string, m model.ChatMessage) error {
	return a.Messages.Update(ctx, roomID, m)
}

func (a *Archive) Deleted(ctx context.Context, roomID, messageID, placeholder string) error {
	return a.Messages.SoftDelete(ctx, roomID, messageID, placeholder)
}

// Transcript returns an archived room with its messages.
func (a *Archive) Transcript(ctx context.Context, roomID string) (*Room, []model.ChatMessage, error) {
	room, err := a.Rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := a.Messages.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("archive.Transcript: %w", err)
	}
	return room, msgs, nil
}
