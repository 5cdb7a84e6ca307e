package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
	"gorm.io/gorm"

	"glowledger_app/internal/models"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// Slot is one bookable start time. Time is the local "HH:MM" label.
type Slot struct {
	Time      string    `json:"time"`
	StartsAt  time.Time `json:"starts_at"`
	Available bool      `json:"available"`
}

// AvailabilityService derives bookable slots from the weekly schedule,
// blocked dates and existing appointments. It never writes.
type AvailabilityService struct {
	*deps
}

// GetAvailability lists the slots of the given local date ("YYYY-MM-DD") for a service.
func (s *AvailabilityService) GetAvailability(ctx context.Context, serviceID uint, date string) ([]Slot, error) {
	day, err := time.ParseInLocation(dateLayout, date, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}

	db := s.db.WithContext(ctx)
	var svc models.Service
	if err := db.First(&svc, serviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: service %d", ErrNotFound, serviceID)
		}
		return nil, err
	}
	if !svc.Active {
		return nil, fmt.Errorf("%w: service %d is inactive", ErrNotFound, serviceID)
	}
	return s.slotsFor(db, svc, day)
}

// slotsFor computes slots for the local calendar day containing day, reading
// through tx so callers inside a booking transaction see their own locks.
func (s *AvailabilityService) slotsFor(tx *gorm.DB, svc models.Service, day time.Time) ([]Slot, error) {
	day = day.In(s.loc)
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)

	var sched models.WeeklySchedule
	err := tx.Where("active_weekday = ?", int(dayStart.Weekday())).First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []Slot{}, nil
	}
	if err != nil {
		return nil, err
	}

	win, err := windowFor(sched, dayStart)
	if err != nil {
		return nil, fmt.Errorf("%w: weekly schedule %d: %v", ErrIntegrity, sched.ID, err)
	}

	var blocks []models.BlockedDate
	if err := tx.Where("date = ?", dayStart.Format(dateLayout)).Find(&blocks).Error; err != nil {
		return nil, err
	}
	blocked := make([]timeRange, 0, len(blocks))
	for _, b := range blocks {
		if b.WholeDay() {
			blocked = append(blocked, timeRange{start: win.start, end: win.end})
			continue
		}
		bs, errStart := atClock(dayStart, *b.StartTime)
		be, errEnd := atClock(dayStart, *b.EndTime)
		if errStart != nil || errEnd != nil {
			continue
		}
		blocked = append(blocked, timeRange{start: bs, end: be})
	}

	// Appointments that started before the window but run into it still count.
	var booked []models.Appointment
	err = tx.Select("id", "scheduled_at", "end_at").
		Where("resource_key = ? AND status IN ? AND scheduled_at < ? AND end_at > ?",
			svc.ResourceKey, models.ActiveSlotStatuses, win.end.UTC(), win.start.UTC()).
		Find(&booked).Error
	if err != nil {
		return nil, err
	}

	starts, err := slotStarts(win)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	duration := svc.Duration()
	slots := make([]Slot, 0, len(starts))
	for _, t := range starts {
		if win.inBreak(t) {
			continue
		}
		end := t.Add(duration)
		available := !t.Before(now) && !end.After(win.end) && !win.breakOverlaps(t, end)
		for _, r := range blocked {
			if available && r.overlaps(t, end) {
				available = false
			}
		}
		for _, a := range booked {
			if available && a.Overlaps(t, end) {
				available = false
			}
		}
		slots = append(slots, Slot{
			Time:      t.Format(clockLayout),
			StartsAt:  t.UTC(),
			Available: available,
		})
	}
	return slots, nil
}

// slotAt returns the slot starting exactly at start, if the grid has one.
func (s *AvailabilityService) slotAt(tx *gorm.DB, svc models.Service, start time.Time) (Slot, bool, error) {
	slots, err := s.slotsFor(tx, svc, start)
	if err != nil {
		return Slot{}, false, err
	}
	for _, slot := range slots {
		if slot.StartsAt.Equal(start) {
			return slot, true, nil
		}
	}
	return Slot{}, false, nil
}

type timeRange struct {
	start, end time.Time
}

func (r timeRange) overlaps(start, end time.Time) bool {
	return start.Before(r.end) && r.start.Before(end)
}

type window struct {
	start, end time.Time
	slot       time.Duration
	brk        *timeRange
}

func (w window) inBreak(t time.Time) bool {
	return w.brk != nil && !t.Before(w.brk.start) && t.Before(w.brk.end)
}

func (w window) breakOverlaps(start, end time.Time) bool {
	return w.brk != nil && w.brk.overlaps(start, end)
}

func windowFor(sched models.WeeklySchedule, dayStart time.Time) (window, error) {
	start, err := atClock(dayStart, sched.StartTime)
	if err != nil {
		return window{}, err
	}
	end, err := atClock(dayStart, sched.EndTime)
	if err != nil {
		return window{}, err
	}
	if !start.Before(end) || sched.SlotDurationMinutes <= 0 {
		return window{}, errors.New("empty window")
	}
	w := window{start: start, end: end, slot: time.Duration(sched.SlotDurationMinutes) * time.Minute}
	if sched.BreakStart != nil && sched.BreakEnd != nil {
		bs, errStart := atClock(dayStart, *sched.BreakStart)
		be, errEnd := atClock(dayStart, *sched.BreakEnd)
		if errStart == nil && errEnd == nil && bs.Before(be) {
			w.brk = &timeRange{start: bs, end: be}
		}
	}
	return w, nil
}

// slotStarts expands the window into start times every slot duration, keeping
// only starts whose full slot fits before the window closes.
func slotStarts(w window) ([]time.Time, error) {
	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:     rrule.MINUTELY,
		Interval: int(w.slot / time.Minute),
		Dtstart:  w.start,
		Until:    w.end,
	})
	if err != nil {
		return nil, fmt.Errorf("slot rule: %w", err)
	}
	var out []time.Time
	for _, t := range rule.All() {
		if t.Add(w.slot).After(w.end) {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// atClock places an "HH:MM" wall-clock time on the given local day.
func atClock(dayStart time.Time, hhmm string) (time.Time, error) {
	c, err := time.Parse(clockLayout, hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidInput, hhmm)
	}
	return time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day(), c.Hour(), c.Minute(), 0, 0, dayStart.Location()), nil
}
