package models

import (
	"time"

	"gorm.io/gorm"
)

// DefaultResourceKey is the single provider every service books against unless configured otherwise.
const DefaultResourceKey = "default"

// Service is a bookable offering.
type Service struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name            string `gorm:"type:varchar(255)" json:"name"`
	Description     string `gorm:"type:text" json:"description"`
	DurationMinutes int    `gorm:"not null" json:"duration_minutes"`
	Price           int64  `gorm:"not null" json:"price"`
	PriceReturn     *int64 `json:"price_return,omitempty"` // follow-up visit price
	Active          bool   `gorm:"not null" json:"active"`
	IsAddon         bool   `gorm:"not null" json:"is_addon"`
	ResourceKey     string `gorm:"type:varchar(64);not null;default:'default'" json:"resource_key"`
}

// Duration returns the service length.
func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// PriceFor returns the price charged for a visit of the given type.
func (s Service) PriceFor(t AppointmentType) int64 {
	if t == AppointmentTypeReturn && s.PriceReturn != nil {
		return *s.PriceReturn
	}
	return s.Price
}

// PackageOption defines a purchasable bundle. Options are deactivated, never deleted.
type PackageOption struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ServiceID    uint   `gorm:"index;not null" json:"service_id"`
	Name         string `gorm:"type:varchar(255)" json:"name"`
	Sessions     int    `gorm:"not null" json:"sessions"`
	Price        int64  `gorm:"not null" json:"price"`
	ValidityDays int    `json:"validity_days"` // 0 means no expiry
	Active       bool   `gorm:"not null" json:"active"`

	Service Service `gorm:"foreignKey:ServiceID" json:"service,omitempty"`
}

// Reward is a redeemable catalog item. A nil Stock means unlimited.
type Reward struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name        string `gorm:"type:varchar(255)" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	PointsCost  int64  `gorm:"not null" json:"points_cost"`
	Value       int64  `json:"value"`
	Stock       *int   `json:"stock"`
	Active      bool   `gorm:"not null" json:"active"`
}
