package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/mtaalamux/client/internal/model"
)

// ConversationRepo implements ConversationRepository using PostgreSQL.
type ConversationRepo struct{ db *DB }

// NewConversationRepo constructs a conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

// GetOrCreate returns the pair's conversation, inserting it if needed. The unique
// (user_a, user_b) constraint keeps concurrent callers on a single row.
func (r *ConversationRepo) GetOrCreate(ctx context.Context, a, b int64) (rec model.ConversationRecord, created bool, err error) {
	ua, ub := model.Pair(a, b)
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ConversationRecord{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `
INSERT INTO conversations (user_a, user_b) VALUES ($1, $2)
ON CONFLICT (user_a, user_b) DO NOTHING
RETURNING id, created_at`
	const sel = `SELECT id, created_at FROM conversations WHERE user_a=$1 AND user_b=$2`

	rec = model.ConversationRecord{UserA: ua, UserB: ub}
	scanErr := tx.QueryRow(ctx, ins, ua, ub).Scan(&rec.ID, &rec.CreatedAt)
	switch {
	case scanErr == nil:
		return rec, true, nil
	case errors.Is(scanErr, pgx.ErrNoRows):
		if err = tx.QueryRow(ctx, sel, ua, ub).Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return model.ConversationRecord{}, false, err
		}
		return rec, false, nil
	default:
		return model.ConversationRecord{}, false, scanErr
	}
}

// GetByID selects a conversation by ID.
func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*model.ConversationRecord, error) {
	rec := model.ConversationRecord{ID: id}
	err := r.db.Pool.QueryRow(ctx, `SELECT user_a, user_b, created_at FROM conversations WHERE id=$1`, id).
		Scan(&rec.UserA, &rec.UserB, &rec.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListForUser returns the user's conversations ordered by latest activity.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]model.ConversationRecord, error) {
	const q = `
SELECT c.id, c.user_a, c.user_b, c.created_at
FROM conversations c
LEFT JOIN LATERAL (SELECT max(created_at) AS at FROM messages m WHERE m.conversation_id = c.id) last ON true
WHERE c.user_a=$1 OR c.user_b=$1
ORDER BY COALESCE(last.at, c.created_at) DESC, c.id DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConversationRecord
	for rows.Next() {
		var rec model.ConversationRecord
		if err := rows.Scan(&rec.ID, &rec.UserA, &rec.UserB, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
