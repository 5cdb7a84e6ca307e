package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/config"
	"glowledger_app/internal/models"
)

// LoyaltyService is the append-only points ledger.
type LoyaltyService struct {
	*deps
}

// Award describes points granted to a client. A non-empty IdempotencyKey
// makes replays of the same award a no-op.
type Award struct {
	ClientID       uint
	Points         int64
	Type           models.LoyaltyTransactionType
	Description    string
	IdempotencyKey string
}

// TierInfo is derived from lifetime earned points.
type TierInfo struct {
	Tier             string  `json:"tier"`
	NextTier         *string `json:"next_tier"`
	PointsToNextTier *int64  `json:"points_to_next_tier"`
	Progress         float64 `json:"progress"` // percent toward the next tier
}

// TierFor maps lifetime earned points onto the ascending tier table.
func TierFor(tiers []config.TierThreshold, totalEarned int64) TierInfo {
	idx := tierIndex(tiers, totalEarned)
	info := TierInfo{Tier: tiers[idx].Name, Progress: 100}
	if idx+1 < len(tiers) {
		next := tiers[idx+1]
		name := next.Name
		remaining := next.MinEarned - totalEarned
		info.NextTier = &name
		info.PointsToNextTier = &remaining
		span := next.MinEarned - tiers[idx].MinEarned
		info.Progress = float64(totalEarned-tiers[idx].MinEarned) * 100 / float64(span)
	}
	return info
}

func tierIndex(tiers []config.TierThreshold, totalEarned int64) int {
	idx := 0
	for i, t := range tiers {
		if totalEarned >= t.MinEarned {
			idx = i
		}
	}
	return idx
}

type LoyaltyOverview struct {
	ClientID    uint  `json:"client_id"`
	Points      int64 `json:"points"`
	TotalEarned int64 `json:"total_earned"`
	TotalSpent  int64 `json:"total_spent"`
	TierInfo
}

// Overview returns the balance and derived tier of a client.
func (s *LoyaltyService) Overview(ctx context.Context, clientID uint) (*LoyaltyOverview, error) {
	acct, err := s.account(s.db.WithContext(ctx), clientID)
	if err != nil {
		return nil, err
	}
	return &LoyaltyOverview{
		ClientID:    clientID,
		Points:      acct.Points,
		TotalEarned: acct.TotalEarned,
		TotalSpent:  acct.TotalSpent,
		TierInfo:    TierFor(s.cfg.Loyalty.Tiers, acct.TotalEarned),
	}, nil
}

// History lists ledger rows newest first.
func (s *LoyaltyService) History(ctx context.Context, clientID uint, page, pageSize int) ([]models.LoyaltyTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	db := s.db.WithContext(ctx).Model(&models.LoyaltyTransaction{}).Where("client_id = ?", clientID)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []models.LoyaltyTransaction
	err := db.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// AwardPoints grants points in its own transaction.
func (s *LoyaltyService) AwardPoints(ctx context.Context, a Award) (*models.LoyaltyTransaction, bool, error) {
	var (
		row     *models.LoyaltyTransaction
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, applied, err = s.award(ctx, tx, a)
		return err
	})
	return row, applied, err
}

// award appends a positive ledger row and raises the account totals. It
// reports applied=false when the idempotency key was already used.
// Crossing a tier threshold grants a one-time promotion bonus per tier.
func (s *LoyaltyService) award(ctx context.Context, tx *gorm.DB, a Award) (*models.LoyaltyTransaction, bool, error) {
	if a.Points <= 0 {
		return nil, false, fmt.Errorf("%w: award points must be positive", ErrInvalidInput)
	}
	acct, err := s.account(tx, a.ClientID)
	if err != nil {
		return nil, false, err
	}

	row := models.LoyaltyTransaction{
		AccountID:   acct.ID,
		ClientID:    a.ClientID,
		Points:      a.Points,
		Type:        a.Type,
		Description: a.Description,
	}
	if a.IdempotencyKey != "" {
		key := a.IdempotencyKey
		row.IdempotencyKey = &key

		var existing models.LoyaltyTransaction
		err := tx.Where("idempotency_key = ?", key).First(&existing).Error
		if err == nil {
			return &existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	// Savepoint so a concurrent duplicate key does not poison the outer transaction.
	err = tx.Transaction(func(sp *gorm.DB) error {
		return sp.Create(&row).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	res := tx.Model(&models.LoyaltyAccount{}).
		Where("id = ?", acct.ID).
		Updates(map[string]interface{}{
			"points":       gorm.Expr("points + ?", a.Points),
			"total_earned": gorm.Expr("total_earned + ?", a.Points),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if err := tx.First(&acct, acct.ID).Error; err != nil {
		return nil, false, err
	}

	tiers := s.cfg.Loyalty.Tiers
	tier := TierFor(tiers, acct.TotalEarned)
	if err := s.bus.Publish(ctx, tx, Event{
		Type:        models.EventPointsAwarded,
		ClientID:    a.ClientID,
		AggregateID: row.ID,
		Data: PointsEvent{
			ClientID:    a.ClientID,
			Points:      a.Points,
			Type:        a.Type,
			Description: a.Description,
			Balance:     acct.Points,
			Tier:        tier.Tier,
		},
	}); err != nil {
		return nil, false, err
	}

	if a.Type != models.LoyaltyTypeTierPromotion && s.cfg.Loyalty.Points.TierPromotion > 0 {
		// a bonus can itself cross the next threshold, so the bound is re-read each pass
		earned := acct.TotalEarned
		for i := tierIndex(tiers, earned-a.Points) + 1; i <= tierIndex(tiers, earned); i++ {
			_, applied, err := s.award(ctx, tx, Award{
				ClientID:       a.ClientID,
				Points:         s.cfg.Loyalty.Points.TierPromotion,
				Type:           models.LoyaltyTypeTierPromotion,
				Description:    fmt.Sprintf("Promoted to %s", tiers[i].Name),
				IdempotencyKey: fmt.Sprintf("tier-bonus:%d:%s", a.ClientID, tiers[i].Name),
			})
			if err != nil {
				return nil, false, err
			}
			if applied {
				earned += s.cfg.Loyalty.Points.TierPromotion
			}
		}
	}

	log.WithFields(log.Fields{
		"client_id": a.ClientID,
		"points":    a.Points,
		"type":      a.Type,
	}).Info("points awarded")
	return &row, true, nil
}

// spend deducts points only if the account covers them at commit time.
func (s *LoyaltyService) spend(tx *gorm.DB, clientID uint, points int64, typ models.LoyaltyTransactionType, description string) (*models.LoyaltyTransaction, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: spend points must be positive", ErrInvalidInput)
	}
	acct, err := s.account(tx, clientID)
	if err != nil {
		return nil, err
	}

	res := tx.Model(&models.LoyaltyAccount{}).
		Where("id = ? AND points >= ?", acct.ID, points).
		Updates(map[string]interface{}{
			"points":      gorm.Expr("points - ?", points),
			"total_spent": gorm.Expr("total_spent + ?", points),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: need %d", ErrInsufficientPoints, points)
	}

	row := models.LoyaltyTransaction{
		AccountID:   acct.ID,
		ClientID:    clientID,
		Points:      -points,
		Type:        typ,
		Description: description,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// SpendPoints deducts points in its own transaction.
func (s *LoyaltyService) SpendPoints(ctx context.Context, clientID uint, points int64, typ models.LoyaltyTransactionType, description string) (*models.LoyaltyTransaction, error) {
	var row *models.LoyaltyTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = s.spend(tx, clientID, points, typ, description)
		return err
	})
	return row, err
}

func (s *LoyaltyService) account(tx *gorm.DB, clientID uint) (*models.LoyaltyAccount, error) {
	var acct models.LoyaltyAccount
	if err := tx.Where("client_id = ?", clientID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: loyalty account for client %d", ErrNotFound, clientID)
		}
		return nil, err
	}
	return &acct, nil
}

// ReconcileReport compares stored totals with the ledger rows.
type ReconcileReport struct {
	ClientID         uint  `json:"client_id"`
	StoredPoints     int64 `json:"stored_points"`
	StoredEarned     int64 `json:"stored_earned"`
	StoredSpent      int64 `json:"stored_spent"`
	LedgerEarned     int64 `json:"ledger_earned"`
	LedgerSpent      int64 `json:"ledger_spent"`
	LedgerPoints     int64 `json:"ledger_points"`
	Consistent       bool  `json:"consistent"`
	TransactionCount int64 `json:"transaction_count"`
}

// Reconcile recomputes the totals from the ledger. A mismatch returns the
// report together with ErrIntegrity.
func (s *LoyaltyService) Reconcile(ctx context.Context, clientID uint) (*ReconcileReport, error) {
	db := s.db.WithContext(ctx)
	acct, err := s.account(db, clientID)
	if err != nil {
		return nil, err
	}

	var sums struct {
		Earned int64
		Spent  int64
		Count  int64
	}
	err = db.Model(&models.LoyaltyTransaction{}).
		Select("COALESCE(SUM(CASE WHEN points > 0 THEN points ELSE 0 END), 0) AS earned, "+
			"COALESCE(SUM(CASE WHEN points < 0 THEN -points ELSE 0 END), 0) AS spent, COUNT(*) AS count").
		Where("account_id = ?", acct.ID).
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		ClientID:         clientID,
		StoredPoints:     acct.Points,
		StoredEarned:     acct.TotalEarned,
		StoredSpent:      acct.TotalSpent,
		LedgerEarned:     sums.Earned,
		LedgerSpent:      sums.Spent,
		LedgerPoints:     sums.Earned - sums.Spent,
		TransactionCount: sums.Count,
	}
	report.Consistent = report.StoredEarned == report.LedgerEarned &&
		report.StoredSpent == report.LedgerSpent &&
		report.StoredPoints == report.LedgerPoints
	if !report.Consistent {
		log.WithFields(log.Fields{
			"client_id":     clientID,
			"stored_points": acct.Points,
			"ledger_points": report.LedgerPoints,
		}).Error("loyalty ledger mismatch")
		return report, fmt.Errorf("%w: loyalty account %d", ErrIntegrity, acct.ID)
	}
	return report, nil
}

// AwardBirthdays grants the birthday bonus to every client whose birthday is
// on the given local date, once per year. Feb 29 birthdays fall on Feb 28 in
// common years.
func (s *LoyaltyService) AwardBirthdays(ctx context.Context, today time.Time) (int, error) {
	points := s.cfg.Loyalty.Points.Birthday
	if points <= 0 {
		return 0, nil
	}
	today = today.In(s.loc)

	var clients []models.Client
	if err := s.db.WithContext(ctx).Where("birthday IS NOT NULL").Find(&clients).Error; err != nil {
		return 0, err
	}

	awarded := 0
	for _, c := range clients {
		if !isBirthday(*c.Birthday, today) {
			continue
		}
		_, applied, err := s.AwardPoints(ctx, Award{
			ClientID:       c.ID,
			Points:         points,
			Type:           models.LoyaltyTypeBirthday,
			Description:    "Happy birthday!",
			IdempotencyKey: fmt.Sprintf("birthday:%d:%d", today.Year(), c.ID),
		})
		if err != nil {
			return awarded, fmt.Errorf("birthday award for client %d: %w", c.ID, err)
		}
		if applied {
			awarded++
		}
	}
	return awarded, nil
}

func isBirthday(birthday, today time.Time) bool {
	month, day := birthday.Month(), birthday.Day()
	if month == time.February && day == 29 && !isLeap(today.Year()) {
		day = 28
	}
	return today.Month() == month && today.Day() == day
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// onAppointmentCompleted awards the session bonus once per appointment.
func (s *LoyaltyService) onAppointmentCompleted(ctx context.Context, tx *gorm.DB, ev Event) error {
	data, ok := ev.Data.(AppointmentEvent)
	if !ok {
		return fmt.Errorf("%w: unexpected %s payload %T", ErrIntegrity, ev.Type, ev.Data)
	}
	points := s.cfg.Loyalty.Points.SessionCompleted
	if points <= 0 {
		return nil
	}
	_, _, err := s.award(ctx, tx, Award{
		ClientID:       data.ClientID,
		Points:         points,
		Type:           models.LoyaltyTypeSessionCompleted,
		Description:    fmt.Sprintf("Completed %s", data.ServiceName),
		IdempotencyKey: fmt.Sprintf("session:%d", data.AppointmentID),
	})
	return err
}
