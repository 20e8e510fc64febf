package service

import (
	"context"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/repository"
	"github.com/mtaalamux/client/internal/tier"
)

// AccountService exposes profile and tier information and accepts upgrade requests.
type AccountService interface {
	Me(ctx context.Context, userID int64) (*model.User, error)
	TierInfo(ctx context.Context, userID int64) (*model.TierInfo, error)
	// RequestUpgrade records the request. Payment is not processed; requests are approved
	// immediately.
	RequestUpgrade(ctx context.Context, userID int64, req model.UpgradeRequest) (*model.UpgradeRecord, error)
}

type AccountServiceImpl struct {
	users    repository.UserRepository
	upgrades repository.UpgradeRepository
}

var _ AccountService = (*AccountServiceImpl)(nil)

// NewAccountService constructs AccountService.
func NewAccountService(users repository.UserRepository, upgrades repository.UpgradeRepository) *AccountServiceImpl {
	return &AccountServiceImpl{users: users, upgrades: upgrades}
}

// UpgradeApproved is the status of an accepted upgrade request.
const UpgradeApproved = "approved"

func (s *AccountServiceImpl) Me(ctx context.Context, userID int64) (*model.User, error) {
	a, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	u := a.User
	return &u, nil
}

func (s *AccountServiceImpl) TierInfo(ctx context.Context, userID int64) (*model.TierInfo, error) {
	a, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return tier.InfoFor(a.Tier, a.Verified), nil
}

func (s *AccountServiceImpl) RequestUpgrade(ctx context.Context, userID int64, req model.UpgradeRequest) (*model.UpgradeRecord, error) {
	if req.RequestedTier != model.TierPlus && req.RequestedTier != model.TierPremium {
		return nil, errs.New(errs.KindInvalidInput, "requested_tier must be plus or premium")
	}
	a, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req.RequestedTier.Rank() <= a.Tier.Rank() {
		return nil, errs.New(errs.KindInvalidInput, "You are already on this plan or higher.")
	}
	rec := &model.UpgradeRecord{
		UserID:        userID,
		RequestedTier: req.RequestedTier,
		PaymentMethod: req.PaymentMethod,
		Status:        UpgradeApproved,
	}
	if err := s.upgrades.Create(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.users.SetTier(ctx, userID, req.RequestedTier); err != nil {
		return nil, err
	}
	return rec, nil
}
