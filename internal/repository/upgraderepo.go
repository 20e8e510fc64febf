package repository

import (
	"context"

	"github.com/mtaalamux/client/internal/model"
)

// UpgradeRepository records tier upgrade requests.
type UpgradeRepository interface {
	Create(ctx context.Context, r *model.UpgradeRecord) error
}

// Store bundles every repository a backend needs.
type Store struct {
	Users         UserRepository
	Consultations ConsultationRepository
	Conversations ConversationRepository
	Messages      MessageRepository
	Upgrades      UpgradeRepository
}
