package models

import (
	"time"

	"gorm.io/gorm"
)

// WeeklySchedule is the opening window for one weekday. Times are "HH:MM" in
// the business timezone. ActiveWeekday mirrors Weekday while the row is active
// and is NULL otherwise, so the unique index allows one active row per weekday.
type WeeklySchedule struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Weekday             int     `gorm:"not null;index" json:"weekday"` // 0 = Sunday
	StartTime           string  `gorm:"type:varchar(5);not null" json:"start_time"`
	EndTime             string  `gorm:"type:varchar(5);not null" json:"end_time"`
	SlotDurationMinutes int     `gorm:"not null" json:"slot_duration_minutes"`
	BreakStart          *string `gorm:"type:varchar(5)" json:"break_start,omitempty"`
	BreakEnd            *string `gorm:"type:varchar(5)" json:"break_end,omitempty"`
	Active              bool    `gorm:"not null" json:"active"`
	ActiveWeekday       *int    `gorm:"uniqueIndex" json:"-"`
}

// BlockedDate withdraws a whole day, or a time range within it, from availability.
type BlockedDate struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Date      string  `gorm:"type:varchar(10);index;not null" json:"date"` // YYYY-MM-DD
	StartTime *string `gorm:"type:varchar(5)" json:"start_time,omitempty"`
	EndTime   *string `gorm:"type:varchar(5)" json:"end_time,omitempty"`
	Reason    string  `gorm:"type:varchar(255)" json:"reason"`
}

// WholeDay reports whether the block covers the entire date.
func (b BlockedDate) WholeDay() bool {
	return b.StartTime == nil || b.EndTime == nil
}

// SlotLock is a per-resource, per-day row locked by booking transactions so
// that concurrent bookings for the same day serialize.
type SlotLock struct {
	ResourceKey string    `gorm:"primaryKey;type:varchar(64)"`
	Day         string    `gorm:"primaryKey;type:varchar(10)"`
	CreatedAt   time.Time `json:"created_at"`
}
