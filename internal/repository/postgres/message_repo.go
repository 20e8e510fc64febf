package postgres

import (
	"context"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

const messageColumns = `id, conversation_id, sender_id, content, attachment, created_at, is_read`

// Create inserts a message row.
func (r *MessageRepo) Create(ctx context.Context, m *model.Message) error {
	const q = `
INSERT INTO messages (conversation_id, sender_id, content, attachment)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`
	return r.db.Pool.QueryRow(ctx, q, m.ConversationID, m.SenderID, m.Content, m.Attachment).Scan(&m.ID, &m.Timestamp)
}

// GetByID selects a message by ID.
func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var m model.Message
	err := r.db.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Attachment, &m.Timestamp, &m.IsRead)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListByConversation returns the conversation history oldest first.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID int64) ([]model.Message, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Attachment, &m.Timestamp, &m.IsRead); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Last returns the newest message of a conversation.
func (r *MessageRepo) Last(ctx context.Context, conversationID int64) (*model.Message, error) {
	var m model.Message
	err := r.db.Pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Attachment, &m.Timestamp, &m.IsRead)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// MarkRead sets is_read on a message.
func (r *MessageRepo) MarkRead(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE messages SET is_read=true WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
