package repository

import (
	"context"

	"github.com/mtaalamux/client/internal/model"
)

// ConversationRepository keeps at most one conversation per unordered pair of users.
type ConversationRepository interface {
	// GetOrCreate returns the pair's conversation, creating it when absent.
	GetOrCreate(ctx context.Context, a, b int64) (rec model.ConversationRecord, created bool, err error)
	// GetByID loads a conversation by ID.
	GetByID(ctx context.Context, id int64) (*model.ConversationRecord, error)
	// ListForUser returns the user's conversations, newest first.
	ListForUser(ctx context.Context, userID int64) ([]model.ConversationRecord, error)
}
