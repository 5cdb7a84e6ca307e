package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentGateway string

const (
	PaymentGatewayMidtrans PaymentGateway = "midtrans"
	PaymentGatewayManual   PaymentGateway = "manual"
)

// Payment records an approved payment fact. ExternalRef makes recording idempotent.
type Payment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ClientID          uint           `gorm:"index;not null" json:"client_id"`
	AppointmentID     *uint          `gorm:"index" json:"appointment_id,omitempty"`
	Amount            int64          `gorm:"not null" json:"amount"`
	Method            string         `gorm:"type:varchar(100)" json:"method"` // e.g. "bank_transfer", "cash"
	Gateway           PaymentGateway `gorm:"type:varchar(50)" json:"gateway"`
	ExternalRef       string         `gorm:"type:varchar(100);uniqueIndex;not null" json:"external_ref"`
	AppliedToBooking  int64          `gorm:"not null;default:0" json:"applied_to_booking"`
	CreditedToBalance int64          `gorm:"not null;default:0" json:"credited_to_balance"`
}

// PaymentCallbackHistory stores every raw gateway notification as received.
type PaymentCallbackHistory struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	PaymentGateway    PaymentGateway `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	OrderID           string         `gorm:"type:varchar(100);index" json:"order_id"`
	TransactionStatus string         `gorm:"type:varchar(50)" json:"transaction_status"`
	Processed         bool           `gorm:"not null" json:"processed"`
	Metadata          datatypes.JSON `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}
