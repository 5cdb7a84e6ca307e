package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/models"
)

// ClientService owns client identity and the prepaid balance.
type ClientService struct {
	*deps
	referrals *ReferralService
}

type RegisterClientInput struct {
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	Email       string     `json:"email"`
	Birthday    *time.Time `json:"birthday,omitempty"`
	FirebaseUID string     `json:"-"`
}

// RegisterClient creates the client with its loyalty account, notification
// preference and default referral code.
func (s *ClientService) RegisterClient(ctx context.Context, in RegisterClientInput) (*models.Client, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.Phone == "" && in.Email == "" {
		return nil, fmt.Errorf("%w: phone or email is required", ErrInvalidInput)
	}

	client := models.Client{
		Name:     in.Name,
		Phone:    in.Phone,
		Email:    in.Email,
		Birthday: in.Birthday,
	}
	if in.FirebaseUID != "" {
		uid := in.FirebaseUID
		client.FirebaseUID = &uid
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if client.FirebaseUID != nil {
			var count int64
			if err := tx.Model(&models.Client{}).Where("firebase_uid = ?", *client.FirebaseUID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrAlreadyRegistered
			}
		}
		if err := tx.Create(&client).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrAlreadyRegistered
			}
			return err
		}
		if err := tx.Create(&models.LoyaltyAccount{ClientID: client.ID}).Error; err != nil {
			return err
		}
		pref := models.ClientNotifPreference{
			ClientID:           client.ID,
			Channel:            models.NotificationChannelWhatsapp,
			WhatsappTargetType: models.WhatsappTargetTypePersonal,
		}
		if client.Phone == "" {
			pref.Channel = models.NotificationChannelEmail
		}
		if err := tx.Create(&pref).Error; err != nil {
			return err
		}
		_, err := s.referrals.issueCode(tx, client)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithField("client_id", client.ID).Info("client registered")
	return &client, nil
}

func (s *ClientService) GetClient(ctx context.Context, id uint) (*models.Client, error) {
	var client models.Client
	if err := s.db.WithContext(ctx).First(&client, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: client %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &client, nil
}

// GetByFirebaseUID resolves an authenticated identity to a client.
func (s *ClientService) GetByFirebaseUID(ctx context.Context, uid string) (*models.Client, error) {
	var client models.Client
	if err := s.db.WithContext(ctx).Where("firebase_uid = ?", uid).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no client for identity", ErrNotFound)
		}
		return nil, err
	}
	return &client, nil
}

// UpdateNotifPreference changes how notifications reach the client.
func (s *ClientService) UpdateNotifPreference(ctx context.Context, clientID uint, pref models.ClientNotifPreference) (*models.ClientNotifPreference, error) {
	switch pref.Channel {
	case models.NotificationChannelEmail, models.NotificationChannelWhatsapp, models.NotificationChannelNone:
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, pref.Channel)
	}
	if pref.WhatsappTargetType == "" {
		pref.WhatsappTargetType = models.WhatsappTargetTypePersonal
	}
	if pref.WhatsappTargetType == models.WhatsappTargetTypeGroup && pref.WhatsappGroupID == "" {
		return nil, fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}

	var current models.ClientNotifPreference
	err := s.db.WithContext(ctx).Where(models.ClientNotifPreference{ClientID: clientID}).
		Assign(map[string]interface{}{
			"channel":              pref.Channel,
			"whatsapp_target_type": pref.WhatsappTargetType,
			"whatsapp_group_id":    pref.WhatsappGroupID,
		}).
		FirstOrCreate(&current).Error
	if err != nil {
		return nil, err
	}
	return &current, nil
}

// AdjustBalance applies an admin correction. The balance never goes negative.
func (s *ClientService) AdjustBalance(ctx context.Context, clientID uint, delta int64, reason string) (*models.Client, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrInvalidInput)
	}
	var client models.Client
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if delta > 0 {
			err = s.creditBalance(tx, clientID, delta)
		} else {
			err = s.debitBalance(tx, clientID, -delta)
		}
		if err != nil {
			return err
		}
		return tx.First(&client, clientID).Error
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"client_id": clientID,
		"delta":     delta,
		"reason":    reason,
	}).Info("balance adjusted")
	return &client, nil
}

// debitBalance subtracts amount only if the balance covers it at commit time.
func (s *ClientService) debitBalance(tx *gorm.DB, clientID uint, amount int64) error {
	if amount <= 0 {
		return nil
	}
	res := tx.Model(&models.Client{}).
		Where("id = ? AND balance >= ?", clientID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := s.mustExist(tx, clientID); err != nil {
			return err
		}
		return fmt.Errorf("%w: need %d", ErrInsufficientBalance, amount)
	}
	return nil
}

func (s *ClientService) creditBalance(tx *gorm.DB, clientID uint, amount int64) error {
	if amount <= 0 {
		return nil
	}
	res := tx.Model(&models.Client{}).
		Where("id = ?", clientID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: client %d", ErrNotFound, clientID)
	}
	return nil
}

func (s *ClientService) mustExist(tx *gorm.DB, clientID uint) error {
	var count int64
	if err := tx.Model(&models.Client{}).Where("id = ?", clientID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: client %d", ErrNotFound, clientID)
	}
	return nil
}
