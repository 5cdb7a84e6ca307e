package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/models"
)

// PackageService tracks session bundles and reserves or releases their credits.
type PackageService struct {
	*deps
	clients *ClientService
}

// ListPackages returns a client's packages, newest first.
func (s *PackageService) ListPackages(ctx context.Context, clientID uint) ([]models.Package, error) {
	var pkgs []models.Package
	err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("purchased_at DESC, id DESC").
		Find(&pkgs).Error
	return pkgs, err
}

// PurchasePackage buys a bundle with the client's prepaid balance.
func (s *PackageService) PurchasePackage(ctx context.Context, clientID, optionID uint) (*models.Package, error) {
	return s.createPackage(ctx, clientID, optionID, true)
}

// GrantPackage issues a bundle without payment, e.g. after an offline sale.
func (s *PackageService) GrantPackage(ctx context.Context, clientID, optionID uint) (*models.Package, error) {
	return s.createPackage(ctx, clientID, optionID, false)
}

func (s *PackageService) createPackage(ctx context.Context, clientID, optionID uint, charge bool) (*models.Package, error) {
	var pkg models.Package
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var opt models.PackageOption
		if err := tx.First(&opt, optionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: package option %d", ErrNotFound, optionID)
			}
			return err
		}
		if !opt.Active {
			return fmt.Errorf("%w: package option %d is inactive", ErrNotFound, optionID)
		}
		if err := s.clients.mustExist(tx, clientID); err != nil {
			return err
		}

		now := s.clock()
		pkg = models.Package{
			ClientID:        clientID,
			PackageOptionID: opt.ID,
			ServiceID:       opt.ServiceID,
			TotalSessions:   opt.Sessions,
			Status:          models.PackageStatusActive,
			PurchasedAt:     now,
		}
		if opt.ValidityDays > 0 {
			expires := now.AddDate(0, 0, opt.ValidityDays)
			pkg.ExpiresAt = &expires
		}
		if charge {
			if err := s.clients.debitBalance(tx, clientID, opt.Price); err != nil {
				return err
			}
			pkg.PricePaid = opt.Price
		}
		return tx.Create(&pkg).Error
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"client_id":  clientID,
		"package_id": pkg.ID,
		"sessions":   pkg.TotalSessions,
		"charged":    charge,
	}).Info("package issued")
	return &pkg, nil
}

// reserveCredit consumes one credit of the client's package for the given
// service. The increment and the COMPLETED flip happen in one conditional
// UPDATE so concurrent reservations cannot overdraw the package.
func (s *PackageService) reserveCredit(tx *gorm.DB, clientID, packageID, serviceID uint) (*models.Package, error) {
	var pkg models.Package
	if err := forUpdate(tx).First(&pkg, packageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: package %d", ErrNotFound, packageID)
		}
		return nil, err
	}
	if pkg.ClientID != clientID {
		return nil, fmt.Errorf("%w: package %d", ErrNotFound, packageID)
	}
	if pkg.ServiceID != serviceID {
		return nil, fmt.Errorf("%w: package %d is for another service", ErrInvalidInput, packageID)
	}
	if pkg.Status == models.PackageStatusCompleted || pkg.UsedSessions >= pkg.TotalSessions {
		return nil, fmt.Errorf("%w: package %d", ErrPackageExhausted, packageID)
	}
	if pkg.Status != models.PackageStatusActive {
		return nil, fmt.Errorf("%w: package %d is %s", ErrPackageNotActive, packageID, pkg.Status)
	}
	if pkg.ExpiresAt != nil && !s.clock().Before(*pkg.ExpiresAt) {
		return nil, fmt.Errorf("%w: package %d expired", ErrPackageNotActive, packageID)
	}

	res := tx.Model(&models.Package{}).
		Where("id = ? AND status = ? AND used_sessions < total_sessions", packageID, models.PackageStatusActive).
		Updates(map[string]interface{}{
			"used_sessions": gorm.Expr("used_sessions + 1"),
			"status":        gorm.Expr("CASE WHEN used_sessions + 1 >= total_sessions THEN ? ELSE status END", models.PackageStatusCompleted),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: package %d", ErrPackageExhausted, packageID)
	}
	if err := tx.First(&pkg, packageID).Error; err != nil {
		return nil, err
	}
	if pkg.UsedSessions > pkg.TotalSessions {
		return nil, fmt.Errorf("%w: package %d used %d of %d", ErrIntegrity, pkg.ID, pkg.UsedSessions, pkg.TotalSessions)
	}
	return &pkg, nil
}

// releaseCredit returns one credit. A COMPLETED package becomes ACTIVE again;
// EXPIRED and CANCELLED packages keep their status.
func (s *PackageService) releaseCredit(tx *gorm.DB, packageID uint) (*models.Package, error) {
	res := tx.Model(&models.Package{}).
		Where("id = ? AND used_sessions > 0", packageID).
		Updates(map[string]interface{}{
			"used_sessions": gorm.Expr("used_sessions - 1"),
			"status":        gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", models.PackageStatusCompleted, models.PackageStatusActive),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: package %d has no reserved credit to release", ErrIntegrity, packageID)
	}
	var pkg models.Package
	if err := tx.First(&pkg, packageID).Error; err != nil {
		return nil, err
	}
	return &pkg, nil
}

// ExpirePackages marks ACTIVE packages past their expiration as EXPIRED.
func (s *PackageService) ExpirePackages(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Package{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.PackageStatusActive, now.UTC()).
		Update("status", models.PackageStatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.WithField("count", res.RowsAffected).Info("packages expired")
	}
	return res.RowsAffected, nil
}
