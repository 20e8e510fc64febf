package repository

import (
	"context"

	"github.com/mtaalamux/client/internal/model"
)

// MessageRepository stores conversation messages in send order.
type MessageRepository interface {
	// Create inserts a message and assigns its ID and timestamp.
	Create(ctx context.Context, m *model.Message) error
	// GetByID loads a message by ID.
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	// ListByConversation returns the history oldest first.
	ListByConversation(ctx context.Context, conversationID int64) ([]model.Message, error)
	// Last returns the newest message of a conversation.
	Last(ctx context.Context, conversationID int64) (*model.Message, error)
	// MarkRead flags a message as read.
	MarkRead(ctx context.Context, id int64) error
}
