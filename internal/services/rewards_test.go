package services

import (
	"context"
	"errors"
	"testing"

	"glowledger_app/internal/models"
)

func TestRedeemReward(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	if _, _, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: 100, Type: models.LoyaltyTypeAdjustment}); err != nil {
		t.Fatalf("AwardPoints: %v", err)
	}

	zero, one := 0, 1
	soldOut, err := f.ledger.Catalog.CreateReward(ctx, RewardInput{Name: "Hair mask", PointsCost: 50, Stock: &zero, Active: true})
	if err != nil {
		t.Fatalf("CreateReward: %v", err)
	}
	lastOne, err := f.ledger.Catalog.CreateReward(ctx, RewardInput{Name: "Lip balm", PointsCost: 40, Stock: &one, Active: true})
	if err != nil {
		t.Fatalf("CreateReward: %v", err)
	}
	pricey, err := f.ledger.Catalog.CreateReward(ctx, RewardInput{Name: "Spa day", PointsCost: 1000, Active: true})
	if err != nil {
		t.Fatalf("CreateReward: %v", err)
	}
	hidden, err := f.ledger.Catalog.CreateReward(ctx, RewardInput{Name: "Old promo", PointsCost: 10, Active: false})
	if err != nil {
		t.Fatalf("CreateReward: %v", err)
	}

	if _, err := f.ledger.Rewards.RedeemReward(ctx, ana.ID, soldOut.ID); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("sold out err = %v, want ErrOutOfStock", err)
	}
	if _, err := f.ledger.Rewards.RedeemReward(ctx, ana.ID, pricey.ID); !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("pricey err = %v, want ErrInsufficientPoints", err)
	}
	if _, err := f.ledger.Rewards.RedeemReward(ctx, ana.ID, hidden.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inactive err = %v, want ErrNotFound", err)
	}
	if got := f.points(t, ana.ID); got != 100 {
		t.Fatalf("failed redemptions changed points to %d", got)
	}

	redemption, err := f.ledger.Rewards.RedeemReward(ctx, ana.ID, lastOne.ID)
	if err != nil {
		t.Fatalf("RedeemReward: %v", err)
	}
	if redemption.PointsSpent != 40 || redemption.Status != models.RedemptionStatusIssued {
		t.Errorf("redemption = %+v", redemption)
	}
	if got := f.points(t, ana.ID); got != 60 {
		t.Errorf("points = %d, want 60", got)
	}
	if _, err := f.ledger.Rewards.RedeemReward(ctx, ana.ID, lastOne.ID); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("second redemption err = %v, want ErrOutOfStock", err)
	}

	var reward models.Reward
	f.ledger.DB().First(&reward, lastOne.ID)
	if reward.Stock == nil || *reward.Stock != 0 {
		t.Errorf("stock = %v, want 0", reward.Stock)
	}

	list, err := f.ledger.Rewards.ListRedemptions(ctx, ana.ID)
	if err != nil || len(list) != 1 || list[0].Reward.Name != "Lip balm" {
		t.Fatalf("ListRedemptions = %+v, %v", list, err)
	}

	var events int64
	f.ledger.DB().Model(&models.DomainEvent{}).Where("type = ?", models.EventRewardRedeemed).Count(&events)
	if events != 1 {
		t.Errorf("%d RewardRedeemed events, want 1", events)
	}
}

func TestSubmitReview(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	budi := f.client(t, "Budi")
	done := f.book(t, ana.ID, 10)
	pending := f.book(t, ana.ID, 11)
	if _, err := f.ledger.Scheduler.CompleteAppointment(ctx, done.ID); err != nil {
		t.Fatalf("CompleteAppointment: %v", err)
	}

	tests := []struct {
		name string
		in   ReviewInput
		want error
	}{
		{"rating too high", ReviewInput{ClientID: ana.ID, AppointmentID: done.ID, Rating: 6}, ErrInvalidInput},
		{"not completed", ReviewInput{ClientID: ana.ID, AppointmentID: pending.ID, Rating: 5}, ErrInvalidTransition},
		{"someone else's", ReviewInput{ClientID: budi.ID, AppointmentID: done.ID, Rating: 5}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ledger.Reviews.SubmitReview(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.ledger.Reviews.SubmitReview(ctx, ReviewInput{ClientID: ana.ID, AppointmentID: done.ID, Rating: 5, Comment: " lovely "}); err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if _, err := f.ledger.Reviews.SubmitReview(ctx, ReviewInput{ClientID: ana.ID, AppointmentID: done.ID, Rating: 4}); !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("second review err = %v, want ErrAlreadyReviewed", err)
	}
	if got := f.points(t, ana.ID); got != 80 {
		t.Errorf("points = %d, want 50 session + 30 review", got)
	}
}
