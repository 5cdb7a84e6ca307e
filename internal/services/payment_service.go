package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"glowledger_app/internal/models"
)

// PaymentService records approved payments as balance credits or as
// payment of a specific appointment.
type PaymentService struct {
	*deps
	clients  *ClientService
	midtrans *MidtransService
}

// WithMidtrans enables the Midtrans notification endpoint.
func (s *PaymentService) WithMidtrans(m *MidtransService) *PaymentService {
	s.midtrans = m
	return s
}

var errPaymentRecorded = errors.New("payment recorded concurrently")

type PaymentInput struct {
	ClientID      uint                  `json:"client_id"`
	Amount        int64                 `json:"amount"`
	Method        string                `json:"method"`
	Gateway       models.PaymentGateway `json:"gateway"`
	ExternalRef   string                `json:"external_ref"`
	AppointmentID *uint                 `json:"appointment_id,omitempty"`
}

// RecordPayment applies a payment-approved fact once per ExternalRef. The
// second return value is true when the reference had already been recorded.
func (s *PaymentService) RecordPayment(ctx context.Context, in PaymentInput) (*models.Payment, bool, error) {
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)
	if in.ClientID == 0 || in.Amount <= 0 || in.ExternalRef == "" {
		return nil, false, fmt.Errorf("%w: client, positive amount and external_ref are required", ErrInvalidInput)
	}
	if in.Gateway == "" {
		in.Gateway = models.PaymentGatewayManual
	}

	var (
		payment   models.Payment
		duplicate bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("external_ref = ?", in.ExternalRef).First(&payment).Error
		if err == nil {
			duplicate = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := s.clients.mustExist(tx, in.ClientID); err != nil {
			return err
		}

		payment = models.Payment{
			ClientID:      in.ClientID,
			AppointmentID: in.AppointmentID,
			Amount:        in.Amount,
			Method:        in.Method,
			Gateway:       in.Gateway,
			ExternalRef:   in.ExternalRef,
		}

		remaining := in.Amount
		if in.AppointmentID != nil {
			applied, err := s.payAppointment(tx, in.ClientID, *in.AppointmentID, remaining)
			if err != nil {
				return err
			}
			payment.AppliedToBooking = applied
			remaining -= applied
		}
		if remaining > 0 {
			if err := s.clients.creditBalance(tx, in.ClientID, remaining); err != nil {
				return err
			}
			payment.CreditedToBalance = remaining
		}

		if err := tx.Create(&payment).Error; err != nil {
			if isDuplicateKey(err) {
				return errPaymentRecorded
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errPaymentRecorded) {
		if errFetch := s.db.WithContext(ctx).Where("external_ref = ?", in.ExternalRef).First(&payment).Error; errFetch != nil {
			return nil, false, errFetch
		}
		return &payment, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !duplicate {
		log.WithFields(log.Fields{
			"client_id":    payment.ClientID,
			"external_ref": payment.ExternalRef,
			"amount":       payment.Amount,
			"to_booking":   payment.AppliedToBooking,
			"to_balance":   payment.CreditedToBalance,
		}).Info("payment recorded")
	}
	return &payment, duplicate, nil
}

// payAppointment applies up to amount to the outstanding price and confirms
// a PENDING appointment once fully paid. It returns the amount applied.
func (s *PaymentService) payAppointment(tx *gorm.DB, clientID, appointmentID uint, amount int64) (int64, error) {
	var appt models.Appointment
	if err := forUpdate(tx).First(&appt, appointmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: appointment %d", ErrNotFound, appointmentID)
		}
		return 0, err
	}
	if appt.ClientID != clientID {
		return 0, fmt.Errorf("%w: appointment %d", ErrNotFound, appointmentID)
	}
	if appt.Status != models.AppointmentStatusPending && appt.Status != models.AppointmentStatusConfirmed {
		// Money for a closed appointment is kept as balance.
		return 0, nil
	}
	if appt.PackageID != nil {
		return 0, nil
	}

	due := appt.Price - appt.AmountPaid
	if due <= 0 {
		return 0, nil
	}
	applied := amount
	if applied > due {
		applied = due
	}

	updates := map[string]interface{}{"amount_paid": gorm.Expr("amount_paid + ?", applied)}
	if appt.Status == models.AppointmentStatusPending && appt.AmountPaid+applied >= appt.Price {
		updates["status"] = models.AppointmentStatusConfirmed
		updates["confirmed_at"] = s.clock()
	}
	res := tx.Model(&models.Appointment{}).Where("id = ? AND status = ?", appt.ID, appt.Status).Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: appointment %d changed concurrently", ErrInvalidTransition, appt.ID)
	}
	if _, confirmed := updates["status"]; confirmed {
		log.WithFields(log.Fields{
			"appointment_id": appt.ID,
			"client_id":      appt.ClientID,
			"from":           models.AppointmentStatusPending,
			"to":             models.AppointmentStatusConfirmed,
		}).Info("appointment confirmed by payment")
	}
	return applied, nil
}

// ListPayments returns a client's payments, newest first.
func (s *PaymentService) ListPayments(ctx context.Context, clientID uint) ([]models.Payment, error) {
	var out []models.Payment
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// ErrBadSignature is returned for notifications that fail verification.
var ErrBadSignature = errors.New("midtrans signature mismatch")

// HandleMidtransNotification verifies and stores a gateway notification and
// turns a settled transaction into a recorded payment. A Redis lock drops
// bursts of duplicate deliveries; RecordPayment stays idempotent regardless.
func (s *PaymentService) HandleMidtransNotification(ctx context.Context, body []byte) (*models.Payment, error) {
	if !s.midtrans.Configured() {
		return nil, fmt.Errorf("%w: midtrans is not configured", ErrInvalidInput)
	}
	n, err := s.midtrans.ParseNotification(body)
	if err != nil {
		return nil, err
	}

	history := models.PaymentCallbackHistory{
		PaymentGateway:    models.PaymentGatewayMidtrans,
		OrderID:           n.OrderID,
		TransactionStatus: n.TransactionStatus,
		Metadata:          datatypes.JSON(body),
	}
	if err := s.db.WithContext(ctx).Create(&history).Error; err != nil {
		return nil, err
	}

	if !s.midtrans.VerifySignature(n) {
		log.WithField("order_id", n.OrderID).Warn("midtrans notification with bad signature")
		return nil, ErrBadSignature
	}
	if !IsSettled(n) {
		log.WithFields(log.Fields{"order_id": n.OrderID, "status": n.TransactionStatus}).Info("midtrans notification ignored")
		return nil, nil
	}

	lockKey := "midtrans:" + n.OrderID + ":" + n.TransactionStatus
	ttl := time.Duration(s.cfg.Redis.CallbackTTLMin) * time.Minute
	acquired, err := s.cache.SetNX(ctx, lockKey, history.ID, ttl)
	if err != nil {
		log.WithError(err).Warn("callback lock unavailable, relying on idempotent recording")
		acquired = true
	}
	if !acquired {
		log.WithField("order_id", n.OrderID).Info("duplicate midtrans notification dropped")
		return nil, nil
	}

	ref, err := ParseOrderID(n.OrderID)
	if err != nil {
		return nil, err
	}
	amount, err := GrossAmountMinor(n.GrossAmount)
	if err != nil {
		return nil, err
	}

	payment, _, err := s.RecordPayment(ctx, PaymentInput{
		ClientID:      ref.ClientID,
		Amount:        amount,
		Method:        n.PaymentType,
		Gateway:       models.PaymentGatewayMidtrans,
		ExternalRef:   "midtrans:" + n.OrderID,
		AppointmentID: ref.AppointmentID,
	})
	if err != nil {
		// let the gateway's retry through
		if errDel := s.cache.Delete(ctx, lockKey); errDel != nil {
			log.WithError(errDel).Warn("failed to release callback lock")
		}
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&history).Update("processed", true).Error; err != nil {
		log.WithError(err).Warn("failed to mark callback processed")
	}
	return payment, nil
}
