package chat

import (
	"context"
	"database/sql"
	"fmt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertMessage stores one message and returns the row with its server-assigned id and timestamp.
// It is not idempotent: two calls with the same input produce two rows.
func (r *Repository) InsertMessage(ctx context.Context, m NewMessage) (*Message, error) {
	query := `
		INSERT INTO messages (sender_id, receiver_id, content, media_url, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sender_id, receiver_id, content, media_url, is_read, status, created_at
	`
	msg := &Message{}
	var media sql.NullString
	err := r.db.QueryRowContext(ctx, query, m.SenderID, m.ReceiverID, m.Content, m.MediaURL, m.Status).Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &media, &msg.IsRead, &msg.Status, &msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if media.Valid {
		msg.MediaURL = &media.String
	}
	return msg, nil
}

// RecentMessages returns up to limit messages exchanged between two users, oldest first.
func (r *Repository) RecentMessages(ctx context.Context, userA, userB string, limit int) ([]*Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, content, media_url, is_read, status, created_at
		FROM (
			SELECT * FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userA, userB, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var media sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &media, &msg.IsRead, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if media.Valid {
			msg.MediaURL = &media.String
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
