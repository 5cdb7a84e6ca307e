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

const (
	cacheKeyServices       = "catalog:services"
	cacheKeyPackageOptions = "catalog:package-options"
	cacheKeyRewards        = "catalog:rewards"
)

// CatalogService maintains services, bundles, rewards and opening hours.
// Active catalog listings are cached in Redis when available.
type CatalogService struct {
	*deps
}

func (s *CatalogService) ttl() time.Duration {
	return time.Duration(s.cfg.Redis.CatalogTTLSecs) * time.Second
}

func (s *CatalogService) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		log.WithError(err).Warn("catalog cache invalidation failed")
	}
}

// ListServices returns bookable services. Inactive ones are included only on request.
func (s *CatalogService) ListServices(ctx context.Context, includeInactive bool) ([]models.Service, error) {
	load := func(db *gorm.DB) ([]models.Service, error) {
		var out []models.Service
		err := db.Order("name ASC").Find(&out).Error
		return out, err
	}
	if includeInactive {
		return load(s.db.WithContext(ctx))
	}
	return GetOrSet(s.cache, ctx, cacheKeyServices, s.ttl(), func() ([]models.Service, error) {
		return load(s.db.WithContext(ctx).Where("active = ?", true))
	})
}

type ServiceInput struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes"`
	Price           int64  `json:"price"`
	PriceReturn     *int64 `json:"price_return,omitempty"`
	Active          bool   `json:"active"`
	IsAddon         bool   `json:"is_addon"`
	ResourceKey     string `json:"resource_key"`
}

func (in ServiceInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	if in.Price < 0 || (in.PriceReturn != nil && *in.PriceReturn < 0) {
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidInput)
	}
	return nil
}

func (s *CatalogService) CreateService(ctx context.Context, in ServiceInput) (*models.Service, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	svc := models.Service{}
	s.applyService(&svc, in)
	if err := s.db.WithContext(ctx).Create(&svc).Error; err != nil {
		return nil, err
	}
	s.invalidate(ctx, cacheKeyServices)
	return &svc, nil
}

func (s *CatalogService) UpdateService(ctx context.Context, id uint, in ServiceInput) (*models.Service, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var svc models.Service
	if err := s.db.WithContext(ctx).First(&svc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: service %d", ErrNotFound, id)
		}
		return nil, err
	}
	s.applyService(&svc, in)
	if err := s.db.WithContext(ctx).Save(&svc).Error; err != nil {
		return nil, err
	}
	s.invalidate(ctx, cacheKeyServices, cacheKeyPackageOptions)
	return &svc, nil
}

func (s *CatalogService) applyService(svc *models.Service, in ServiceInput) {
	svc.Name = strings.TrimSpace(in.Name)
	svc.Description = in.Description
	svc.DurationMinutes = in.DurationMinutes
	svc.Price = in.Price
	svc.PriceReturn = in.PriceReturn
	svc.Active = in.Active
	svc.IsAddon = in.IsAddon
	svc.ResourceKey = strings.TrimSpace(in.ResourceKey)
	if svc.ResourceKey == "" {
		svc.ResourceKey = s.cfg.Business.DefaultResource
	}
	if svc.ResourceKey == "" {
		svc.ResourceKey = models.DefaultResourceKey
	}
}

// ListPackageOptions returns active bundles with their service.
func (s *CatalogService) ListPackageOptions(ctx context.Context) ([]models.PackageOption, error) {
	return GetOrSet(s.cache, ctx, cacheKeyPackageOptions, s.ttl(), func() ([]models.PackageOption, error) {
		var out []models.PackageOption
		err := s.db.WithContext(ctx).Preload("Service").
			Where("active = ?", true).
			Order("service_id ASC, sessions ASC").
			Find(&out).Error
		return out, err
	})
}

type PackageOptionInput struct {
	ServiceID    uint   `json:"service_id"`
	Name         string `json:"name"`
	Sessions     int    `json:"sessions"`
	Price        int64  `json:"price"`
	ValidityDays int    `json:"validity_days"`
}

func (s *CatalogService) CreatePackageOption(ctx context.Context, in PackageOptionInput) (*models.PackageOption, error) {
	if in.Sessions <= 0 || in.Price < 0 || in.ValidityDays < 0 {
		return nil, fmt.Errorf("%w: sessions must be positive and price/validity non-negative", ErrInvalidInput)
	}
	var svc models.Service
	if err := s.db.WithContext(ctx).First(&svc, in.ServiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: service %d", ErrNotFound, in.ServiceID)
		}
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("%s x%d", svc.Name, in.Sessions)
	}
	opt := models.PackageOption{
		ServiceID:    svc.ID,
		Name:         name,
		Sessions:     in.Sessions,
		Price:        in.Price,
		ValidityDays: in.ValidityDays,
		Active:       true,
	}
	if err := s.db.WithContext(ctx).Omit("Service").Create(&opt).Error; err != nil {
		return nil, err
	}
	s.invalidate(ctx, cacheKeyPackageOptions)
	return &opt, nil
}

// DeactivatePackageOption withdraws a bundle from sale. Options are never
// deleted because purchased packages reference them.
func (s *CatalogService) DeactivatePackageOption(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.PackageOption{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: package option %d", ErrNotFound, id)
	}
	s.invalidate(ctx, cacheKeyPackageOptions)
	return nil
}

// ListRewards returns active rewards.
func (s *CatalogService) ListRewards(ctx context.Context) ([]models.Reward, error) {
	// stock changes on every redemption, so rewards are read fresh
	var out []models.Reward
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("points_cost ASC").Find(&out).Error
	return out, err
}

type RewardInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PointsCost  int64  `json:"points_cost"`
	Value       int64  `json:"value"`
	Stock       *int   `json:"stock"`
	Active      bool   `json:"active"`
}

func (in RewardInput) validate() error {
	if strings.TrimSpace(in.Name) == "" || in.PointsCost <= 0 {
		return fmt.Errorf("%w: name and a positive points cost are required", ErrInvalidInput)
	}
	if in.Stock != nil && *in.Stock < 0 {
		return fmt.Errorf("%w: stock cannot be negative", ErrInvalidInput)
	}
	return nil
}

func (s *CatalogService) CreateReward(ctx context.Context, in RewardInput) (*models.Reward, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	reward := models.Reward{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		PointsCost:  in.PointsCost,
		Value:       in.Value,
		Stock:       in.Stock,
		Active:      in.Active,
	}
	if err := s.db.WithContext(ctx).Create(&reward).Error; err != nil {
		return nil, err
	}
	return &reward, nil
}

func (s *CatalogService) UpdateReward(ctx context.Context, id uint, in RewardInput) (*models.Reward, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var reward models.Reward
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&reward, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: reward %d", ErrNotFound, id)
			}
			return err
		}
		reward.Name = strings.TrimSpace(in.Name)
		reward.Description = in.Description
		reward.PointsCost = in.PointsCost
		reward.Value = in.Value
		reward.Stock = in.Stock
		reward.Active = in.Active
		return tx.Save(&reward).Error
	})
	if err != nil {
		return nil, err
	}
	return &reward, nil
}

type WeeklyScheduleInput struct {
	Weekday             int     `json:"weekday"`
	StartTime           string  `json:"start_time"`
	EndTime             string  `json:"end_time"`
	SlotDurationMinutes int     `json:"slot_duration_minutes"`
	BreakStart          *string `json:"break_start,omitempty"`
	BreakEnd            *string `json:"break_end,omitempty"`
}

func (in WeeklyScheduleInput) validate() error {
	if in.Weekday < 0 || in.Weekday > 6 {
		return fmt.Errorf("%w: weekday must be 0-6", ErrInvalidInput)
	}
	if in.SlotDurationMinutes <= 0 {
		return fmt.Errorf("%w: slot duration must be positive", ErrInvalidInput)
	}
	day := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	start, err := atClock(day, in.StartTime)
	if err != nil {
		return err
	}
	end, err := atClock(day, in.EndTime)
	if err != nil {
		return err
	}
	if !start.Before(end) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidInput)
	}
	if (in.BreakStart == nil) != (in.BreakEnd == nil) {
		return fmt.Errorf("%w: break needs both start and end", ErrInvalidInput)
	}
	if in.BreakStart != nil {
		bs, err := atClock(day, *in.BreakStart)
		if err != nil {
			return err
		}
		be, err := atClock(day, *in.BreakEnd)
		if err != nil {
			return err
		}
		if !bs.Before(be) || bs.Before(start) || be.After(end) {
			return fmt.Errorf("%w: break must lie inside opening hours", ErrInvalidInput)
		}
	}
	return nil
}

// SetWeeklySchedule replaces the active row for a weekday.
func (s *CatalogService) SetWeeklySchedule(ctx context.Context, in WeeklyScheduleInput) (*models.WeeklySchedule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	weekday := in.Weekday
	row := models.WeeklySchedule{
		Weekday:             in.Weekday,
		StartTime:           in.StartTime,
		EndTime:             in.EndTime,
		SlotDurationMinutes: in.SlotDurationMinutes,
		BreakStart:          in.BreakStart,
		BreakEnd:            in.BreakEnd,
		Active:              true,
		ActiveWeekday:       &weekday,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.deactivateWeekday(tx, in.Weekday); err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CloseWeekday deactivates the schedule of a weekday so it has no slots.
func (s *CatalogService) CloseWeekday(ctx context.Context, weekday int) error {
	if weekday < 0 || weekday > 6 {
		return fmt.Errorf("%w: weekday must be 0-6", ErrInvalidInput)
	}
	return s.deactivateWeekday(s.db.WithContext(ctx), weekday)
}

func (s *CatalogService) deactivateWeekday(tx *gorm.DB, weekday int) error {
	return tx.Model(&models.WeeklySchedule{}).
		Where("active_weekday = ?", weekday).
		Updates(map[string]interface{}{"active": false, "active_weekday": nil}).Error
}

func (s *CatalogService) ListWeeklySchedule(ctx context.Context) ([]models.WeeklySchedule, error) {
	var out []models.WeeklySchedule
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("weekday ASC").Find(&out).Error
	return out, err
}

type BlockDateInput struct {
	Date      string  `json:"date"`
	StartTime *string `json:"start_time,omitempty"`
	EndTime   *string `json:"end_time,omitempty"`
	Reason    string  `json:"reason"`
}

// BlockDate withdraws a day, or part of it, from availability.
func (s *CatalogService) BlockDate(ctx context.Context, in BlockDateInput) (*models.BlockedDate, error) {
	day, err := time.Parse(dateLayout, in.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	if (in.StartTime == nil) != (in.EndTime == nil) {
		return nil, fmt.Errorf("%w: a partial block needs start and end", ErrInvalidInput)
	}
	if in.StartTime != nil {
		bs, err := atClock(day, *in.StartTime)
		if err != nil {
			return nil, err
		}
		be, err := atClock(day, *in.EndTime)
		if err != nil {
			return nil, err
		}
		if !bs.Before(be) {
			return nil, fmt.Errorf("%w: start must be before end", ErrInvalidInput)
		}
	}
	row := models.BlockedDate{
		Date:      in.Date,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Reason:    in.Reason,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *CatalogService) UnblockDate(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.BlockedDate{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: blocked date %d", ErrNotFound, id)
	}
	return nil
}

// ListBlockedDates returns blocks on or after the given date.
func (s *CatalogService) ListBlockedDates(ctx context.Context, from string) ([]models.BlockedDate, error) {
	q := s.db.WithContext(ctx).Order("date ASC")
	if from != "" {
		q = q.Where("date >= ?", from)
	}
	var out []models.BlockedDate
	err := q.Find(&out).Error
	return out, err
}
