package models

import "time"

// ReferralCode is the one code owned by a client. Code is stored upper-case
// so the unique index is case-insensitive in effect.
type ReferralCode struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ClientID   uint   `gorm:"uniqueIndex;not null" json:"client_id"`
	Code       string `gorm:"type:varchar(10);uniqueIndex;not null" json:"code"`
	Customized bool   `gorm:"not null" json:"customized"`
}

type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "PENDING"
	ReferralStatusConfirmed ReferralStatus = "CONFIRMED"
	ReferralStatusRewarded  ReferralStatus = "REWARDED"
)

// Referral links a referrer to a referred client. A client can be referred once.
type Referral struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ReferrerID  uint           `gorm:"index;not null" json:"referrer_id"`
	ReferredID  uint           `gorm:"uniqueIndex;not null" json:"referred_id"`
	CodeID      uint           `json:"code_id"`
	Status      ReferralStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
	RewardedAt  *time.Time     `json:"rewarded_at,omitempty"`
}

// Review is a client's rating of a completed appointment.
type Review struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AppointmentID uint   `gorm:"uniqueIndex;not null" json:"appointment_id"`
	ClientID      uint   `gorm:"index;not null" json:"client_id"`
	Rating        int    `gorm:"not null" json:"rating"`
	Comment       string `gorm:"type:text" json:"comment"`
}
