package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"glowledger_app/internal/models"
)

type ReviewService struct {
	*deps
	loyalty *LoyaltyService
}

type ReviewInput struct {
	ClientID      uint   `json:"-"`
	AppointmentID uint   `json:"appointment_id"`
	Rating        int    `json:"rating"`
	Comment       string `json:"comment"`
}

// SubmitReview stores one review per completed appointment and awards the review bonus.
func (s *ReviewService) SubmitReview(ctx context.Context, in ReviewInput) (*models.Review, error) {
	if in.Rating < 1 || in.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput)
	}
	review := models.Review{
		AppointmentID: in.AppointmentID,
		ClientID:      in.ClientID,
		Rating:        in.Rating,
		Comment:       strings.TrimSpace(in.Comment),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var appt models.Appointment
		if err := tx.First(&appt, in.AppointmentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: appointment %d", ErrNotFound, in.AppointmentID)
			}
			return err
		}
		if appt.ClientID != in.ClientID {
			return fmt.Errorf("%w: appointment %d", ErrNotFound, in.AppointmentID)
		}
		if appt.Status != models.AppointmentStatusCompleted {
			return fmt.Errorf("%w: only completed appointments can be reviewed", ErrInvalidTransition)
		}

		var existing int64
		if err := tx.Model(&models.Review{}).Where("appointment_id = ?", appt.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyReviewed
		}
		if err := tx.Create(&review).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrAlreadyReviewed
			}
			return err
		}

		points := s.cfg.Loyalty.Points.ReviewSubmitted
		if points <= 0 {
			return nil
		}
		_, _, err := s.loyalty.award(ctx, tx, Award{
			ClientID:       in.ClientID,
			Points:         points,
			Type:           models.LoyaltyTypeReviewSubmitted,
			Description:    "Thanks for your review",
			IdempotencyKey: fmt.Sprintf("review:%d", appt.ID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &review, nil
}
