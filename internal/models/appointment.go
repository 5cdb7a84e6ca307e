package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "PENDING"
	AppointmentStatusConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentStatusCompleted AppointmentStatus = "COMPLETED"
	AppointmentStatusCancelled AppointmentStatus = "CANCELLED"
	AppointmentStatusNoShow    AppointmentStatus = "NO_SHOW"
)

// OccupiesSlot reports whether an appointment in this status blocks its time slot.
func (s AppointmentStatus) OccupiesSlot() bool {
	return s == AppointmentStatusPending || s == AppointmentStatusConfirmed || s == AppointmentStatusCompleted
}

// Terminal reports whether no further transitions are possible.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentStatusCompleted || s == AppointmentStatusCancelled || s == AppointmentStatusNoShow
}

// ActiveSlotStatuses lists statuses that occupy a slot, for use in queries.
var ActiveSlotStatuses = []AppointmentStatus{
	AppointmentStatusPending,
	AppointmentStatusConfirmed,
	AppointmentStatusCompleted,
}

type AppointmentType string

const (
	AppointmentTypeFirst  AppointmentType = "FIRST"
	AppointmentTypeReturn AppointmentType = "RETURN"
)

type AppointmentLocation string

const (
	AppointmentLocationClinic  AppointmentLocation = "CLINIC"
	AppointmentLocationHomeSpa AppointmentLocation = "HOME_SPA"
)

// Appointment is one booked session. All times are stored in UTC.
type Appointment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ClientID    uint                `gorm:"index;not null" json:"client_id"`
	ServiceID   uint                `gorm:"index;not null" json:"service_id"`
	ResourceKey string              `gorm:"type:varchar(64);not null;index:idx_appointments_resource_time,priority:1" json:"resource_key"`
	ScheduledAt time.Time           `gorm:"not null;index:idx_appointments_resource_time,priority:2" json:"scheduled_at"`
	EndAt       time.Time           `gorm:"not null" json:"end_at"`
	Type        AppointmentType     `gorm:"type:varchar(10);not null" json:"type"`
	Location    AppointmentLocation `gorm:"type:varchar(10);not null" json:"location"`
	Address     string              `gorm:"type:text" json:"address,omitempty"`
	Status      AppointmentStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	Notes       string              `gorm:"type:text" json:"notes,omitempty"`

	Price           int64 `gorm:"not null" json:"price"`
	AmountPaid      int64 `gorm:"not null;default:0" json:"amount_paid"`
	PackageID       *uint `gorm:"index" json:"package_id,omitempty"`
	PaidFromBalance bool  `gorm:"not null" json:"paid_from_balance"`

	// ActiveSlotKey is set while the appointment occupies its slot and cleared
	// on cancel or no-show. Its unique index backs the day lock.
	ActiveSlotKey *string `gorm:"type:varchar(100);uniqueIndex" json:"-"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Service Service `gorm:"foreignKey:ServiceID" json:"service,omitempty"`
}

// SlotKey builds the value stored in ActiveSlotKey.
func SlotKey(resourceKey string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s|%s", resourceKey, scheduledAt.UTC().Format(time.RFC3339))
}

// Overlaps reports whether [start, end) intersects the appointment.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return start.Before(a.EndAt) && a.ScheduledAt.Before(end)
}
