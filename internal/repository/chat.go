package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitalk/internal/logger"
)

var ErrNotFound = errors.New("not found")

// Room is one archived counseling session.
type Room struct {
	ID             string     `json:"id"`
	ChatType       string     `json:"chat_type"`
	CounsellorName string     `json:"counsellor_name"`
	StartedAt      time.Time  `json:"started_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

// Open records a joined room. Rejoining the same room keeps the original start time.
func (r *RoomRepository) Open(ctx context.Context, room Room) error {
	defer logger.DeferLogDuration("room.Open", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rooms (id, chat_type, counsellor_name, started_at, closed_at)
		 VALUES ($1, $2, $3, $4, NULL)
		 ON CONFLICT (id) DO UPDATE SET
		   counsellor_name = EXCLUDED.counsellor_name,
		   closed_at = NULL`,
		room.ID, room.ChatType, room.CounsellorName, room.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.Open: %w", err)
	}
	return nil
}

func (r *RoomRepository) Close(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("room.Close", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE rooms SET closed_at = $2 WHERE id = $1 AND closed_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("roomRepo.Close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	room := &Room{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_type, counsellor_name, started_at, closed_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.ChatType, &room.CounsellorName, &room.StartedAt, &room.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	return room, nil
}

// List returns rooms newest first.
func (r *RoomRepository) List(ctx context.Context, limit int) ([]Room, error) {
	defer logger.DeferLogDuration("room.List", time.Now())()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, chat_type, counsellor_name, started_at, closed_at
		 FROM rooms ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.List: %w", err)
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.ChatType, &room.CounsellorName, &room.StartedAt, &room.ClosedAt); err != nil {
			return nil, fmt.Errorf("roomRepo.List scan: %w", err)
		}
		out = append(out, room)
	}
	return out, rows.Err()
}
