package models

import (
	"time"

	"gorm.io/gorm"
)

type PackageStatus string

const (
	PackageStatusActive    PackageStatus = "ACTIVE"
	PackageStatusCompleted PackageStatus = "COMPLETED"
	PackageStatusExpired   PackageStatus = "EXPIRED"
	PackageStatusCancelled PackageStatus = "CANCELLED"
)

// Package is a purchased bundle of sessions owned by one client.
// 0 <= UsedSessions <= TotalSessions, and Status is COMPLETED exactly when
// the two are equal.
type Package struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ClientID        uint          `gorm:"index;not null" json:"client_id"`
	PackageOptionID uint          `gorm:"index" json:"package_option_id"`
	ServiceID       uint          `gorm:"index;not null" json:"service_id"`
	TotalSessions   int           `gorm:"not null" json:"total_sessions"`
	UsedSessions    int           `gorm:"not null;default:0" json:"used_sessions"`
	Status          PackageStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	PricePaid       int64         `json:"price_paid"`
	PurchasedAt     time.Time     `json:"purchased_at"`
	ExpiresAt       *time.Time    `gorm:"index" json:"expires_at,omitempty"`
}

// Remaining returns the number of unreserved credits.
func (p Package) Remaining() int {
	return p.TotalSessions - p.UsedSessions
}
