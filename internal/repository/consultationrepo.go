package repository

import (
	"context"

	"github.com/mtaalamux/client/internal/model"
)

// ConsultationRepository stores booked consultation windows.
type ConsultationRepository interface {
	// Create inserts a consultation and assigns its ID.
	Create(ctx context.Context, c *model.Consultation) error
	// LatestBetween returns the most recently starting consultation between two users,
	// in either role.
	LatestBetween(ctx context.Context, a, b int64) (*model.Consultation, error)
}
