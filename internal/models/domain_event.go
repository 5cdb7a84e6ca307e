package models

import (
	"time"

	"gorm.io/datatypes"
)

type EventType string

const (
	EventAppointmentCreated   EventType = "AppointmentCreated"
	EventAppointmentCancelled EventType = "AppointmentCancelled"
	EventAppointmentCompleted EventType = "AppointmentCompleted"
	EventReferralConfirmed    EventType = "ReferralConfirmed"
	EventRewardRedeemed       EventType = "RewardRedeemed"
	EventPointsAwarded        EventType = "PointsAwarded"
)

type DomainEventStatus string

const (
	DomainEventStatusPending   DomainEventStatus = "pending"
	DomainEventStatusDelivered DomainEventStatus = "delivered"
	DomainEventStatusSkipped   DomainEventStatus = "skipped"
	DomainEventStatusFailed    DomainEventStatus = "failed"
)

// DomainEvent is an outbox row written in the same transaction as the ledger
// change that produced it. The worker delivers it after commit.
type DomainEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EventID       string            `gorm:"type:varchar(36);uniqueIndex;not null" json:"event_id"`
	Type          EventType         `gorm:"type:varchar(50);not null" json:"type"`
	ClientID      uint              `gorm:"index" json:"client_id"`
	AggregateID   uint              `json:"aggregate_id"`
	Payload       datatypes.JSON    `json:"payload"`
	Status        DomainEventStatus `gorm:"type:varchar(20);not null;index:idx_domain_events_status_next,priority:1" json:"status"`
	Attempts      int               `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time         `gorm:"index:idx_domain_events_status_next,priority:2" json:"next_attempt_at"`
	LastError     string            `gorm:"type:text" json:"last_error,omitempty"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
}
