package services

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/models"
)

// RewardService redeems loyalty points for catalog rewards.
type RewardService struct {
	*deps
	loyalty *LoyaltyService
}

// RedeemReward checks stock and points, decrements stock and spends the
// points in one transaction.
func (s *RewardService) RedeemReward(ctx context.Context, clientID, rewardID uint) (*models.RewardRedemption, error) {
	var redemption models.RewardRedemption
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reward models.Reward
		if err := tx.First(&reward, rewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: reward %d", ErrNotFound, rewardID)
			}
			return err
		}
		if !reward.Active {
			return fmt.Errorf("%w: reward %d is not available", ErrNotFound, rewardID)
		}

		if reward.Stock != nil {
			res := tx.Model(&models.Reward{}).
				Where("id = ? AND stock IS NOT NULL AND stock > 0", reward.ID).
				Update("stock", gorm.Expr("stock - 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ErrOutOfStock, reward.Name)
			}
		}

		spent, err := s.loyalty.spend(tx, clientID, reward.PointsCost, models.LoyaltyTypeRedemption, fmt.Sprintf("Redeemed %s", reward.Name))
		if err != nil {
			return err
		}

		redemption = models.RewardRedemption{
			ClientID:      clientID,
			RewardID:      reward.ID,
			TransactionID: spent.ID,
			PointsSpent:   reward.PointsCost,
			Status:        models.RedemptionStatusIssued,
		}
		if err := tx.Omit("Reward").Create(&redemption).Error; err != nil {
			return err
		}
		redemption.Reward = reward

		return s.bus.Publish(ctx, tx, Event{
			Type:        models.EventRewardRedeemed,
			ClientID:    clientID,
			AggregateID: redemption.ID,
			Data: RedemptionEvent{
				RedemptionID: redemption.ID,
				RewardID:     reward.ID,
				RewardName:   reward.Name,
				ClientID:     clientID,
				PointsSpent:  reward.PointsCost,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"client_id":     clientID,
		"reward_id":     rewardID,
		"redemption_id": redemption.ID,
	}).Info("reward redeemed")
	return &redemption, nil
}

// ListRedemptions returns a client's redemptions, newest first.
func (s *RewardService) ListRedemptions(ctx context.Context, clientID uint) ([]models.RewardRedemption, error) {
	var out []models.RewardRedemption
	err := s.db.WithContext(ctx).Preload("Reward").
		Where("client_id = ?", clientID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}
