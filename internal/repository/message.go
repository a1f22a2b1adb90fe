package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
)

// MessageRepository archives the messages of counseling rooms.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Append stores m. A repeated id is ignored so replays stay idempotent.
func (r *MessageRepository) Append(ctx context.Context, roomID string, m model.ChatMessage) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_messages (room_id, id, text, is_self, sent_at, is_deleted, is_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (room_id, id) DO NOTHING`,
		roomID, m.ID, m.Text, m.IsSelf, m.Timestamp, m.IsDeleted, m.IsUpdated,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Append: %w", err)
	}
	return nil
}

// Update replaces the text of an archived message and marks it updated.
func (r *MessageRepository) Update(ctx context.Context, roomID string, m model.ChatMessage) error {
	defer logger.DeferLogDuration("msg.Update", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE room_messages SET text = $3, is_updated = true, updated_at = NOW()
		 WHERE room_id = $1 AND id = $2 AND is_deleted = false`,
		roomID, m.ID, m.Text,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete keeps the row, replacing its text with placeholder.
func (r *MessageRepository) SoftDelete(ctx context.Context, roomID, messageID, placeholder string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE room_messages SET text = $3, is_deleted = true, updated_at = NOW()
		 WHERE room_id = $1 AND id = $2`,
		roomID, messageID, placeholder,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByRoom returns the room's messages in arrival order.
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, text, is_self, sent_at, is_deleted, is_updated
		 FROM room_messages WHERE room_id = $1 ORDER BY seq`, roomID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom: %w", err)
	}
	defer rows.Close()
	out := []model.ChatMessage{}
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.Text, &m.IsSelf, &m.Timestamp, &m.IsDeleted, &m.IsUpdated); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
