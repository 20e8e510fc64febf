// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/mtaalamux/client/internal/model"
)

// UserRepository provides access to accounts.
type UserRepository interface {
	// Create inserts a new account and assigns its ID.
	Create(ctx context.Context, a *model.Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	// GetByUsername loads an account by username.
	GetByUsername(ctx context.Context, username string) (*model.Account, error)
	// SetTier changes the account's subscription tier.
	SetTier(ctx context.Context, id int64, t model.Tier) error
}
