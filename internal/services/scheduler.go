package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"glowledger_app/internal/models"
)

// SchedulerService runs the appointment state machine.
type SchedulerService struct {
	*deps
	availability *AvailabilityService
	packages     *PackageService
	clients      *ClientService
}

type CreateAppointmentInput struct {
	ClientID       uint                       `json:"-"`
	ServiceID      uint                       `json:"service_id"`
	ScheduledAt    time.Time                  `json:"scheduled_at"`
	EndAt          time.Time                  `json:"end_at,omitempty"`
	Type           models.AppointmentType     `json:"type"`
	Location       models.AppointmentLocation `json:"location"`
	Address        string                     `json:"address,omitempty"`
	PackageID      *uint                      `json:"package_id,omitempty"`
	PayFromBalance bool                       `json:"pay_from_balance"`
	Notes          string                     `json:"notes,omitempty"`
}

func (in *CreateAppointmentInput) normalize() error {
	if in.ClientID == 0 || in.ServiceID == 0 {
		return fmt.Errorf("%w: client and service are required", ErrInvalidInput)
	}
	if in.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrInvalidInput)
	}
	in.ScheduledAt = in.ScheduledAt.UTC()
	if !in.EndAt.IsZero() {
		in.EndAt = in.EndAt.UTC()
		if !in.EndAt.After(in.ScheduledAt) {
			return fmt.Errorf("%w: end_at must be after scheduled_at", ErrInvalidInput)
		}
	}
	if in.Type == "" {
		in.Type = models.AppointmentTypeFirst
	}
	if in.Type != models.AppointmentTypeFirst && in.Type != models.AppointmentTypeReturn {
		return fmt.Errorf("%w: unknown appointment type %q", ErrInvalidInput, in.Type)
	}
	if in.Location == "" {
		in.Location = models.AppointmentLocationClinic
	}
	switch in.Location {
	case models.AppointmentLocationClinic:
	case models.AppointmentLocationHomeSpa:
		if strings.TrimSpace(in.Address) == "" {
			return fmt.Errorf("%w: address is required for home visits", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown location %q", ErrInvalidInput, in.Location)
	}
	if in.PackageID != nil && in.PayFromBalance {
		return fmt.Errorf("%w: choose either a package or the balance", ErrInvalidInput)
	}
	return nil
}

// CreateAppointment validates the slot, takes payment from a package credit or
// the balance, and stores the appointment, all in one transaction.
func (s *SchedulerService) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*models.Appointment, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var appt *models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		appt, err = s.create(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"appointment_id": appt.ID,
		"client_id":      appt.ClientID,
		"scheduled_at":   appt.ScheduledAt,
		"status":         appt.Status,
	}).Info("appointment created")
	return appt, nil
}

func (s *SchedulerService) create(ctx context.Context, tx *gorm.DB, in CreateAppointmentInput) (*models.Appointment, error) {
	var svc models.Service
	if err := tx.First(&svc, in.ServiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: service %d", ErrNotFound, in.ServiceID)
		}
		return nil, err
	}
	if !svc.Active {
		return nil, fmt.Errorf("%w: service %d is inactive", ErrNotFound, in.ServiceID)
	}
	if svc.IsAddon {
		return nil, fmt.Errorf("%w: add-on services cannot be booked on their own", ErrInvalidInput)
	}
	if err := s.clients.mustExist(tx, in.ClientID); err != nil {
		return nil, err
	}

	// the stored end always follows the service length so overlap checks see the real session
	endAt := in.ScheduledAt.Add(svc.Duration())
	if !in.EndAt.IsZero() && !in.EndAt.Equal(endAt) {
		return nil, fmt.Errorf("%w: end_at must be %s for a %d minute service",
			ErrInvalidInput, endAt.In(s.loc).Format("15:04"), svc.DurationMinutes)
	}

	if err := s.lockDays(tx, svc.ResourceKey, in.ScheduledAt, endAt); err != nil {
		return nil, err
	}

	slot, ok, err := s.availability.slotAt(tx, svc, in.ScheduledAt)
	if err != nil {
		return nil, err
	}
	if !ok || !slot.Available {
		return nil, fmt.Errorf("%w: %s", ErrSlotUnavailable, in.ScheduledAt.In(s.loc).Format("2006-01-02 15:04"))
	}
	var clash int64
	err = tx.Model(&models.Appointment{}).
		Where("resource_key = ? AND status IN ? AND scheduled_at < ? AND end_at > ?",
			svc.ResourceKey, models.ActiveSlotStatuses, endAt, in.ScheduledAt).
		Count(&clash).Error
	if err != nil {
		return nil, err
	}
	if clash > 0 {
		return nil, fmt.Errorf("%w: overlaps another appointment", ErrSlotUnavailable)
	}

	price := svc.PriceFor(in.Type)
	status := models.AppointmentStatusPending
	var paid int64

	switch {
	case in.PackageID != nil:
		if _, err := s.packages.reserveCredit(tx, in.ClientID, *in.PackageID, svc.ID); err != nil {
			return nil, err
		}
		if s.cfg.Business.AutoConfirmPackageBooking {
			status = models.AppointmentStatusConfirmed
		}
	case in.PayFromBalance:
		if err := s.clients.debitBalance(tx, in.ClientID, price); err != nil {
			return nil, err
		}
		paid = price
		status = models.AppointmentStatusConfirmed
	}

	slotKey := models.SlotKey(svc.ResourceKey, in.ScheduledAt)
	appt := models.Appointment{
		ClientID:        in.ClientID,
		ServiceID:       svc.ID,
		ResourceKey:     svc.ResourceKey,
		ScheduledAt:     in.ScheduledAt,
		EndAt:           endAt,
		Type:            in.Type,
		Location:        in.Location,
		Address:         strings.TrimSpace(in.Address),
		Status:          status,
		Notes:           in.Notes,
		Price:           price,
		AmountPaid:      paid,
		PackageID:       in.PackageID,
		PaidFromBalance: in.PayFromBalance,
		ActiveSlotKey:   &slotKey,
	}
	if status == models.AppointmentStatusConfirmed {
		now := s.clock()
		appt.ConfirmedAt = &now
	}
	if err := tx.Omit(clause.Associations).Create(&appt).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("%w: slot was just taken", ErrSlotUnavailable)
		}
		return nil, err
	}
	appt.Service = svc

	if err := s.bus.Publish(ctx, tx, Event{
		Type:        models.EventAppointmentCreated,
		ClientID:    appt.ClientID,
		AggregateID: appt.ID,
		Data:        appointmentEvent(appt, false),
	}); err != nil {
		return nil, err
	}
	return &appt, nil
}

// lockDays serializes bookings of one resource per local day. The row is
// created on first use and locked for the rest of the transaction.
func (s *SchedulerService) lockDays(tx *gorm.DB, resourceKey string, start, end time.Time) error {
	days := map[string]struct{}{
		start.In(s.loc).Format(dateLayout): {},
		end.Add(-time.Nanosecond).In(s.loc).Format(dateLayout): {},
	}
	keys := make([]string, 0, len(days))
	for d := range days {
		keys = append(keys, d)
	}
	sort.Strings(keys)

	for _, day := range keys {
		lock := models.SlotLock{ResourceKey: resourceKey, Day: day}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error; err != nil {
			return err
		}
		if err := forUpdate(tx).Where("resource_key = ? AND day = ?", resourceKey, day).First(&lock).Error; err != nil {
			return err
		}
	}
	return nil
}

// BatchInput books several sessions of one service in list order.
type BatchInput struct {
	ClientID       uint                       `json:"-"`
	ServiceID      uint                       `json:"service_id"`
	PackageID      *uint                      `json:"package_id,omitempty"`
	PayFromBalance bool                       `json:"pay_from_balance"`
	Type           models.AppointmentType     `json:"type"`
	Location       models.AppointmentLocation `json:"location"`
	Address        string                     `json:"address,omitempty"`
	Sessions       []time.Time                `json:"sessions"`
}

// BatchResult reports how far a batch got. Sessions booked before a failure stay booked.
type BatchResult struct {
	Requested   int                  `json:"requested"`
	Booked      []models.Appointment `json:"booked"`
	FailedIndex *int                 `json:"failed_index,omitempty"`
	FailedAt    *time.Time           `json:"failed_at,omitempty"`
	Err         error                `json:"-"`
}

// CreateBatch books each session in its own transaction and stops at the
// first failure without undoing earlier bookings.
func (s *SchedulerService) CreateBatch(ctx context.Context, in BatchInput) (*BatchResult, error) {
	if len(in.Sessions) == 0 {
		return nil, fmt.Errorf("%w: no sessions given", ErrInvalidInput)
	}
	res := &BatchResult{Requested: len(in.Sessions), Booked: []models.Appointment{}}
	for i, at := range in.Sessions {
		appt, err := s.CreateAppointment(ctx, CreateAppointmentInput{
			ClientID:       in.ClientID,
			ServiceID:      in.ServiceID,
			ScheduledAt:    at,
			Type:           in.Type,
			Location:       in.Location,
			Address:        in.Address,
			PackageID:      in.PackageID,
			PayFromBalance: in.PayFromBalance,
		})
		if err != nil {
			idx := i
			failedAt := at.UTC()
			res.FailedIndex = &idx
			res.FailedAt = &failedAt
			res.Err = err
			log.WithFields(log.Fields{
				"client_id": in.ClientID,
				"booked":    len(res.Booked),
				"requested": res.Requested,
			}).WithError(err).Warn("batch booking stopped")
			break
		}
		res.Booked = append(res.Booked, *appt)
	}
	return res, nil
}

// CancelInput identifies who cancels. Admins may cancel any appointment at
// any time before it is terminal.
type CancelInput struct {
	AppointmentID uint
	ActorClientID uint
	Admin         bool
}

// CancelAppointment releases the slot, the package credit and any payment.
func (s *SchedulerService) CancelAppointment(ctx context.Context, in CancelInput) (*models.Appointment, error) {
	var appt models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, in.AppointmentID, &appt); err != nil {
			return err
		}
		if !in.Admin && appt.ClientID != in.ActorClientID {
			return fmt.Errorf("%w: appointment %d", ErrNotFound, in.AppointmentID)
		}
		if appt.Status != models.AppointmentStatusPending && appt.Status != models.AppointmentStatusConfirmed {
			return fmt.Errorf("%w: appointment is %s", ErrNotCancellable, appt.Status)
		}
		if !in.Admin {
			notice := time.Duration(s.cfg.Business.MinCancelNoticeMinutes) * time.Minute
			if !s.clock().Add(notice).Before(appt.ScheduledAt) {
				return fmt.Errorf("%w: too close to the start time", ErrNotCancellable)
			}
		}

		from := appt.Status
		now := s.clock()
		if err := s.transition(tx, &appt, models.AppointmentStatusCancelled, map[string]interface{}{
			"active_slot_key": nil,
			"cancelled_at":    now,
		}); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return fmt.Errorf("%w: appointment changed concurrently", ErrNotCancellable)
			}
			return err
		}
		appt.ActiveSlotKey = nil
		appt.CancelledAt = &now

		if appt.PackageID != nil {
			if _, err := s.packages.releaseCredit(tx, *appt.PackageID); err != nil {
				return err
			}
		}
		if appt.AmountPaid > 0 {
			if err := s.clients.creditBalance(tx, appt.ClientID, appt.AmountPaid); err != nil {
				return err
			}
		}

		logTransition(appt, from)
		return s.bus.Publish(ctx, tx, Event{
			Type:        models.EventAppointmentCancelled,
			ClientID:    appt.ClientID,
			AggregateID: appt.ID,
			Data:        appointmentEvent(appt, false),
		})
	})
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// ConfirmAppointment moves PENDING to CONFIRMED. Confirming twice is a no-op.
func (s *SchedulerService) ConfirmAppointment(ctx context.Context, id uint) (*models.Appointment, error) {
	var appt models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, id, &appt); err != nil {
			return err
		}
		switch appt.Status {
		case models.AppointmentStatusConfirmed:
			return nil
		case models.AppointmentStatusPending:
		default:
			return fmt.Errorf("%w: cannot confirm a %s appointment", ErrInvalidTransition, appt.Status)
		}
		now := s.clock()
		if err := s.transition(tx, &appt, models.AppointmentStatusConfirmed, map[string]interface{}{"confirmed_at": now}); err != nil {
			return err
		}
		appt.ConfirmedAt = &now
		logTransition(appt, models.AppointmentStatusPending)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// CompleteAppointment marks the session done and emits AppointmentCompleted.
// Replays on a terminal appointment succeed without effect.
func (s *SchedulerService) CompleteAppointment(ctx context.Context, id uint) (*models.Appointment, error) {
	var appt models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, id, &appt); err != nil {
			return err
		}
		if appt.Status.Terminal() {
			log.WithFields(log.Fields{"appointment_id": appt.ID, "status": appt.Status}).Debug("complete replayed on terminal appointment")
			return nil
		}

		from := appt.Status
		if from == models.AppointmentStatusPending {
			log.WithFields(log.Fields{
				"appointment_id": appt.ID,
				"client_id":      appt.ClientID,
				"from":           from,
				"to":             models.AppointmentStatusCompleted,
			}).Warn("completing appointment that was never confirmed")
		}
		now := s.clock()
		if err := s.transition(tx, &appt, models.AppointmentStatusCompleted, map[string]interface{}{"completed_at": now}); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// lost a race with another completion
				return s.load(tx, id, &appt)
			}
			return err
		}
		appt.CompletedAt = &now
		logTransition(appt, from)

		first, err := s.isFirstCompletedForReferredClient(tx, appt)
		if err != nil {
			return err
		}
		return s.bus.Publish(ctx, tx, Event{
			Type:        models.EventAppointmentCompleted,
			ClientID:    appt.ClientID,
			AggregateID: appt.ID,
			Data:        appointmentEvent(appt, first),
		})
	})
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// MarkNoShow frees the slot but keeps the package credit consumed.
func (s *SchedulerService) MarkNoShow(ctx context.Context, id uint) (*models.Appointment, error) {
	var appt models.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, id, &appt); err != nil {
			return err
		}
		if appt.Status == models.AppointmentStatusNoShow {
			return nil
		}
		from := appt.Status
		if err := s.transition(tx, &appt, models.AppointmentStatusNoShow, map[string]interface{}{"active_slot_key": nil}); err != nil {
			return err
		}
		appt.ActiveSlotKey = nil
		logTransition(appt, from)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// GetAppointment loads one appointment. A non-zero clientID restricts it to that owner.
func (s *SchedulerService) GetAppointment(ctx context.Context, id, clientID uint) (*models.Appointment, error) {
	var appt models.Appointment
	if err := s.db.WithContext(ctx).Preload("Service").First(&appt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, id)
		}
		return nil, err
	}
	if clientID != 0 && appt.ClientID != clientID {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, id)
	}
	return &appt, nil
}

type AppointmentFilter struct {
	ClientID uint
	Status   models.AppointmentStatus
	From     time.Time
	To       time.Time
}

func (s *SchedulerService) ListAppointments(ctx context.Context, f AppointmentFilter) ([]models.Appointment, error) {
	q := s.db.WithContext(ctx).Preload("Service")
	if f.ClientID != 0 {
		q = q.Where("client_id = ?", f.ClientID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		q = q.Where("scheduled_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("scheduled_at < ?", f.To.UTC())
	}
	var out []models.Appointment
	err := q.Order("scheduled_at ASC").Find(&out).Error
	return out, err
}

var allowedTransitions = map[models.AppointmentStatus][]models.AppointmentStatus{
	models.AppointmentStatusPending:   {models.AppointmentStatusConfirmed, models.AppointmentStatusCompleted, models.AppointmentStatusCancelled, models.AppointmentStatusNoShow},
	models.AppointmentStatusConfirmed: {models.AppointmentStatusCompleted, models.AppointmentStatusCancelled, models.AppointmentStatusNoShow},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.AppointmentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition applies a status change guarded on the current status so a
// concurrent change makes it fail with ErrInvalidTransition.
func (s *SchedulerService) transition(tx *gorm.DB, appt *models.Appointment, to models.AppointmentStatus, extra map[string]interface{}) error {
	if !CanTransition(appt.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, appt.Status, to)
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.Appointment{}).
		Where("id = ? AND status = ?", appt.ID, appt.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, appt.ID)
	}
	appt.Status = to
	return nil
}

func (s *SchedulerService) load(tx *gorm.DB, id uint, appt *models.Appointment) error {
	if err := forUpdate(tx).Preload("Service").First(appt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: appointment %d", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// isFirstCompletedForReferredClient is true when this is the client's only
// completed appointment and someone referred them.
func (s *SchedulerService) isFirstCompletedForReferredClient(tx *gorm.DB, appt models.Appointment) (bool, error) {
	var others int64
	err := tx.Model(&models.Appointment{}).
		Where("client_id = ? AND status = ? AND id <> ?", appt.ClientID, models.AppointmentStatusCompleted, appt.ID).
		Count(&others).Error
	if err != nil || others > 0 {
		return false, err
	}
	var referred int64
	if err := tx.Model(&models.Referral{}).Where("referred_id = ?", appt.ClientID).Count(&referred).Error; err != nil {
		return false, err
	}
	return referred > 0, nil
}

func appointmentEvent(a models.Appointment, first bool) AppointmentEvent {
	return AppointmentEvent{
		AppointmentID:                     a.ID,
		ClientID:                          a.ClientID,
		ServiceID:                         a.ServiceID,
		ServiceName:                       a.Service.Name,
		ScheduledAt:                       a.ScheduledAt,
		Status:                            a.Status,
		IsFirstCompletedForReferredClient: first,
	}
}

func logTransition(a models.Appointment, from models.AppointmentStatus) {
	log.WithFields(log.Fields{
		"appointment_id": a.ID,
		"client_id":      a.ClientID,
		"from":           from,
		"to":             a.Status,
	}).Info("appointment status changed")
}
