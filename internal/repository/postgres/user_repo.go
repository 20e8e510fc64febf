package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, username, email, first_name, last_name, is_expert, pwd_hash, salt, tier, verified, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var t string
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.FirstName, &a.LastName, &a.IsExpert,
		&a.PwdHash, &a.Salt, &t, &a.Verified, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.Tier = model.Tier(t)
	return &a, nil
}

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO users (username, email, first_name, last_name, is_expert, pwd_hash, salt, tier, verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at`
	err := r.db.Pool.QueryRow(ctx, q, a.Username, a.Email, a.FirstName, a.LastName, a.IsExpert,
		a.PwdHash, a.Salt, string(a.Tier), a.Verified).Scan(&a.ID, &a.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	return scanAccount(r.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

// GetByUsername selects a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	return scanAccount(r.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

// SetTier updates the user's tier.
func (r *UserRepo) SetTier(ctx context.Context, id int64, t model.Tier) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE users SET tier=$2 WHERE id=$1`, id, string(t))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
