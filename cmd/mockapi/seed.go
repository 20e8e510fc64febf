package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/service"
)

// demoPassword is shared by every seeded account.
const demoPassword = "mtaalamu123"

type demoAccount struct {
	username string
	tier     model.Tier
	expert   bool
}

var demoAccounts = []demoAccount{
	{username: "basic_client", tier: model.TierBasic},
	{username: "plus_client", tier: model.TierPlus},
	{username: "premium_client", tier: model.TierPremium},
	{username: "dr_amani", tier: model.TierBasic, expert: true},
}

// seedDemo creates the demo accounts, an active consultation between plus_client and the
// expert, and a scheduled one for premium_client. It does nothing when the accounts already
// exist.
func seedDemo(ctx context.Context, auth service.AuthService, msgs service.MessagingService, now time.Time, log *zap.Logger) error {
	ids := make(map[string]int64, len(demoAccounts))
	for _, d := range demoAccounts {
		a, err := auth.Register(ctx, service.RegisterInput{
			Username: d.username,
			Password: demoPassword,
			Email:    d.username + "@example.com",
			IsExpert: d.expert,
			Tier:     d.tier,
			Verified: d.expert,
		})
		if errors.Is(err, errs.ErrInvalidInput) {
			log.Info("demo data already present", zap.String("username", d.username))
			return nil
		}
		if err != nil {
			return err
		}
		ids[d.username] = a.ID
	}

	expert := ids["dr_amani"]
	bookings := []*model.Consultation{
		{ExpertID: expert, ClientID: ids["plus_client"], Title: "Soil health review",
			StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(50 * time.Minute)},
		{ExpertID: expert, ClientID: ids["premium_client"], Title: "Irrigation planning",
			StartTime: now.Add(24 * time.Hour), EndTime: now.Add(25 * time.Hour)},
	}
	for _, c := range bookings {
		if err := msgs.Book(ctx, c); err != nil {
			return err
		}
	}
	log.Info("seeded demo data",
		zap.Int("accounts", len(ids)),
		zap.Int64("expert_id", expert),
	)
	return nil
}
