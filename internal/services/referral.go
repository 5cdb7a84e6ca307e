package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/config"
	"glowledger_app/internal/models"
)

var referralCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{3,10}$`)

const codeIssueAttempts = 10

// ReferralService issues codes, records referrals and rewards referrers.
type ReferralService struct {
	*deps
	loyalty *LoyaltyService
}

// DiscountInfo is the referral discount a client has unlocked.
type DiscountInfo struct {
	Percent             int    `json:"percent"`
	Label               string `json:"label"`
	ConfirmedReferrals  int    `json:"confirmed_referrals"`
	RemainingToNextTier *int   `json:"remaining_to_next_tier"`
}

// DiscountFor maps a confirmed-referral count onto the band table. The
// result never exceeds maxDiscount when one is configured.
func DiscountFor(cfg config.ReferralConfig, confirmed int) DiscountInfo {
	if confirmed < 0 {
		confirmed = 0
	}
	bands := cfg.Bands
	idx := 0
	for i, b := range bands {
		if confirmed >= b.Min {
			idx = i
		}
	}
	band := bands[idx]
	info := DiscountInfo{
		Percent:            band.Discount,
		Label:              band.Label,
		ConfirmedReferrals: confirmed,
	}
	if cfg.MaxDiscount > 0 && info.Percent > cfg.MaxDiscount {
		info.Percent = cfg.MaxDiscount
	}
	if idx+1 < len(bands) {
		remaining := bands[idx+1].Min - confirmed
		info.RemainingToNextTier = &remaining
	}
	return info
}

// codePrefix takes up to four letters or digits of the name, upper-cased,
// padded so the final code still has at least three characters.
func codePrefix(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			if b.Len() == 4 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "GLOW"
	}
	return b.String()
}

func randomDigits(n int) string {
	id := uuid.New()
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte('0' + id[i]%10)
	}
	return b.String()
}

// issueCode creates the default referral code of a new client.
func (s *ReferralService) issueCode(tx *gorm.DB, client models.Client) (*models.ReferralCode, error) {
	prefix := codePrefix(client.Name)
	digits := s.cfg.Referral.SuffixDigits
	for attempt := 0; attempt < codeIssueAttempts; attempt++ {
		// widen the suffix when a short one keeps colliding
		n := digits + attempt/3
		if len(prefix)+n > 10 {
			n = 10 - len(prefix)
		}
		code := models.ReferralCode{
			ClientID: client.ID,
			Code:     prefix + randomDigits(n),
		}

		var taken int64
		if err := tx.Model(&models.ReferralCode{}).Where("code = ?", code.Code).Count(&taken).Error; err != nil {
			return nil, err
		}
		if taken > 0 {
			continue
		}
		err := tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(&code).Error
		})
		if err == nil {
			return &code, nil
		}
		if !isDuplicateKey(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: could not issue a unique referral code", ErrCodeTaken)
}

// CustomizeCode replaces the client's code with a 3-10 character alphanumeric code.
func (s *ReferralService) CustomizeCode(ctx context.Context, clientID uint, newCode string) (*models.ReferralCode, error) {
	newCode = strings.TrimSpace(newCode)
	if !referralCodePattern.MatchString(newCode) {
		return nil, fmt.Errorf("%w: code must be 3-10 letters or digits", ErrInvalidFormat)
	}
	upper := strings.ToUpper(newCode)

	var code models.ReferralCode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("client_id = ?", clientID).First(&code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: client %d has no referral code", ErrNotFound, clientID)
			}
			return err
		}
		if code.Code == upper {
			return nil
		}

		var owner models.ReferralCode
		err := tx.Where("code = ?", upper).First(&owner).Error
		if err == nil {
			return ErrCodeTaken
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = tx.Model(&code).Updates(map[string]interface{}{"code": upper, "customized": true}).Error
		if isDuplicateKey(err) {
			return ErrCodeTaken
		}
		if err != nil {
			return err
		}
		code.Customized = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	code.Code = upper
	log.WithFields(log.Fields{"client_id": clientID, "code": upper}).Info("referral code customized")
	return &code, nil
}

// ApplyCode records that newClientID was referred by the code's owner and
// grants the welcome bonus straight away.
func (s *ReferralService) ApplyCode(ctx context.Context, newClientID uint, code string) (*models.Referral, error) {
	code = strings.TrimSpace(code)
	if !referralCodePattern.MatchString(code) {
		return nil, fmt.Errorf("%w: malformed referral code", ErrInvalidFormat)
	}
	upper := strings.ToUpper(code)

	var referral models.Referral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner models.ReferralCode
		if err := tx.Where("code = ?", upper).First(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCodeNotFound
			}
			return err
		}
		if owner.ClientID == newClientID {
			return ErrSelfReferral
		}

		var existing int64
		if err := tx.Model(&models.Referral{}).Where("referred_id = ?", newClientID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyReferred
		}
		// confirmation hangs on the first completed visit, which must still be ahead
		var visits int64
		if err := tx.Model(&models.Appointment{}).
			Where("client_id = ? AND status = ?", newClientID, models.AppointmentStatusCompleted).
			Count(&visits).Error; err != nil {
			return err
		}
		if visits > 0 {
			return ErrNotNewClient
		}

		referral = models.Referral{
			ReferrerID: owner.ClientID,
			ReferredID: newClientID,
			CodeID:     owner.ID,
			Status:     models.ReferralStatusPending,
		}
		if err := tx.Create(&referral).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrAlreadyReferred
			}
			return err
		}

		points := s.cfg.Loyalty.Points.ReferredWelcome
		if points <= 0 {
			return nil
		}
		_, _, err := s.loyalty.award(ctx, tx, Award{
			ClientID:       newClientID,
			Points:         points,
			Type:           models.LoyaltyTypeReferredWelcome,
			Description:    "Welcome bonus for joining with a referral code",
			IdempotencyKey: fmt.Sprintf("welcome:%d", referral.ID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"referral_id": referral.ID,
		"referrer_id": referral.ReferrerID,
		"referred_id": newClientID,
	}).Info("referral code applied")
	return &referral, nil
}

// confirm moves the client's pending referral to CONFIRMED and then runs the
// reward step. Already confirmed or rewarded referrals are left alone.
func (s *ReferralService) confirm(ctx context.Context, tx *gorm.DB, referredID uint) error {
	var referral models.Referral
	err := tx.Where("referred_id = ?", referredID).First(&referral).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if referral.Status == models.ReferralStatusPending {
		now := s.clock()
		res := tx.Model(&models.Referral{}).
			Where("id = ? AND status = ?", referral.ID, models.ReferralStatusPending).
			Updates(map[string]interface{}{"status": models.ReferralStatusConfirmed, "confirmed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			referral.Status = models.ReferralStatusConfirmed
			referral.ConfirmedAt = &now
			if err := s.bus.Publish(ctx, tx, Event{
				Type:        models.EventReferralConfirmed,
				ClientID:    referral.ReferrerID,
				AggregateID: referral.ID,
				Data: ReferralEvent{
					ReferralID: referral.ID,
					ReferrerID: referral.ReferrerID,
					ReferredID: referral.ReferredID,
					Status:     models.ReferralStatusConfirmed,
				},
			}); err != nil {
				return err
			}
			log.WithFields(log.Fields{"referral_id": referral.ID, "from": models.ReferralStatusPending, "to": models.ReferralStatusConfirmed}).Info("referral confirmed")
		}
	}

	return s.reward(ctx, tx, referral.ID)
}

// reward pays the referrer bonus for a CONFIRMED referral exactly once.
func (s *ReferralService) reward(ctx context.Context, tx *gorm.DB, referralID uint) error {
	var referral models.Referral
	if err := tx.First(&referral, referralID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: referral %d", ErrNotFound, referralID)
		}
		return err
	}
	switch referral.Status {
	case models.ReferralStatusRewarded:
		return nil
	case models.ReferralStatusPending:
		return fmt.Errorf("%w: referral %d is not confirmed", ErrInvalidTransition, referralID)
	}

	res := tx.Model(&models.Referral{}).
		Where("id = ? AND status = ?", referral.ID, models.ReferralStatusConfirmed).
		Updates(map[string]interface{}{"status": models.ReferralStatusRewarded, "rewarded_at": s.clock()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	if points := s.cfg.Loyalty.Points.ReferralConfirmed; points > 0 {
		if _, _, err := s.loyalty.award(ctx, tx, Award{
			ClientID:       referral.ReferrerID,
			Points:         points,
			Type:           models.LoyaltyTypeReferralConfirmed,
			Description:    "Referral bonus",
			IdempotencyKey: fmt.Sprintf("referral-reward:%d", referral.ID),
		}); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"referral_id": referral.ID, "from": models.ReferralStatusConfirmed, "to": models.ReferralStatusRewarded}).Info("referral rewarded")
	return nil
}

// RetryReward re-runs the reward step for a referral, for example after a
// failed award. Rewarding twice is a no-op.
func (s *ReferralService) RetryReward(ctx context.Context, referralID uint) (*models.Referral, error) {
	var referral models.Referral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.reward(ctx, tx, referralID); err != nil {
			return err
		}
		return tx.First(&referral, referralID).Error
	})
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

func (s *ReferralService) onAppointmentCompleted(ctx context.Context, tx *gorm.DB, ev Event) error {
	data, ok := ev.Data.(AppointmentEvent)
	if !ok {
		return fmt.Errorf("%w: unexpected %s payload %T", ErrIntegrity, ev.Type, ev.Data)
	}
	if !data.IsFirstCompletedForReferredClient {
		return nil
	}
	return s.confirm(ctx, tx, data.ClientID)
}

// ReferralOverview is what a client sees about their own referrals.
type ReferralOverview struct {
	Code           string       `json:"code"`
	Customized     bool         `json:"customized"`
	PendingCount   int64        `json:"pending_count"`
	ConfirmedCount int64        `json:"confirmed_count"`
	Discount       DiscountInfo `json:"discount"`
	ReferredBy     *uint        `json:"referred_by,omitempty"`
}

func (s *ReferralService) Overview(ctx context.Context, clientID uint) (*ReferralOverview, error) {
	db := s.db.WithContext(ctx)
	var code models.ReferralCode
	if err := db.Where("client_id = ?", clientID).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: client %d has no referral code", ErrNotFound, clientID)
		}
		return nil, err
	}

	out := &ReferralOverview{Code: code.Code, Customized: code.Customized}
	if err := db.Model(&models.Referral{}).
		Where("referrer_id = ? AND status = ?", clientID, models.ReferralStatusPending).
		Count(&out.PendingCount).Error; err != nil {
		return nil, err
	}
	confirmed, err := s.ConfirmedCount(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out.ConfirmedCount = confirmed
	out.Discount = DiscountFor(s.cfg.Referral, int(confirmed))

	var mine models.Referral
	err = db.Where("referred_id = ?", clientID).First(&mine).Error
	if err == nil {
		out.ReferredBy = &mine.ReferrerID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return out, nil
}

// ConfirmedCount counts referrals past PENDING, which is what discounts are based on.
func (s *ReferralService) ConfirmedCount(ctx context.Context, referrerID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("referrer_id = ? AND status IN ?", referrerID, []models.ReferralStatus{models.ReferralStatusConfirmed, models.ReferralStatusRewarded}).
		Count(&n).Error
	return n, err
}
