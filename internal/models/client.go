package models

import (
	"time"

	"gorm.io/gorm"
)

// Client is a customer of the business. Clients are never hard-deleted.
type Client struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	FirebaseUID *string    `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	Name        string     `gorm:"type:varchar(255)" json:"name"`
	Phone       string     `gorm:"type:varchar(50)" json:"phone"`
	Email       string     `gorm:"type:varchar(255);index" json:"email"`
	Birthday    *time.Time `json:"birthday,omitempty"`

	// Balance is prepaid credit in minor currency units.
	Balance int64 `gorm:"not null;default:0" json:"balance"`
}

type NotificationChannel string

const (
	NotificationChannelEmail    NotificationChannel = "email"
	NotificationChannelWhatsapp NotificationChannel = "whatsapp"
	NotificationChannelNone     NotificationChannel = "none"
)

const (
	WhatsappTargetTypePersonal = "personal"
	WhatsappTargetTypeGroup    = "group"
)

// ClientNotifPreference selects how domain events reach a client.
type ClientNotifPreference struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ClientID uint `gorm:"uniqueIndex" json:"client_id"`

	Channel NotificationChannel `gorm:"type:varchar(20);default:'whatsapp'" json:"channel"`

	WhatsappTargetType string `gorm:"type:varchar(20);default:'personal'" json:"whatsapp_target_type"`
	WhatsappGroupID    string `gorm:"type:varchar(100)" json:"whatsapp_group_id"`
}
