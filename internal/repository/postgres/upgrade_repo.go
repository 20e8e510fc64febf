package postgres

import (
	"context"

	"github.com/mtaalamux/client/internal/model"
)

// UpgradeRepo implements UpgradeRepository using PostgreSQL.
type UpgradeRepo struct{ db *DB }

// NewUpgradeRepo constructs an upgrade request repository.
func NewUpgradeRepo(db *DB) *UpgradeRepo { return &UpgradeRepo{db: db} }

// Create inserts an upgrade request row.
func (r *UpgradeRepo) Create(ctx context.Context, u *model.UpgradeRecord) error {
	const q = `
INSERT INTO upgrade_requests (user_id, requested_tier, payment_method, status)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`
	return r.db.Pool.QueryRow(ctx, q, u.UserID, string(u.RequestedTier), u.PaymentMethod, u.Status).Scan(&u.ID, &u.CreatedAt)
}
