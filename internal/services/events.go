package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"glowledger_app/internal/models"
)

// Event is a domain event produced inside a ledger transaction.
type Event struct {
	Type        models.EventType
	ClientID    uint
	AggregateID uint
	Data        interface{}
}

// Subscriber consumes an event inside the producing transaction. Returning an
// error rolls the whole transaction back.
type Subscriber func(ctx context.Context, tx *gorm.DB, ev Event) error

// EventBus writes every event to the domain_events outbox and runs in-process
// subscribers in the same transaction. External delivery happens after commit
// from the outbox.
type EventBus struct {
	d    *deps
	mu   sync.RWMutex
	subs map[models.EventType][]Subscriber
}

func NewEventBus(d *deps) *EventBus {
	return &EventBus{d: d, subs: make(map[models.EventType][]Subscriber)}
}

func (b *EventBus) Subscribe(t models.EventType, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], fn)
}

// Publish must be called with the transaction that made the change.
func (b *EventBus) Publish(ctx context.Context, tx *gorm.DB, ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	row := models.DomainEvent{
		EventID:       uuid.NewString(),
		Type:          ev.Type,
		ClientID:      ev.ClientID,
		AggregateID:   ev.AggregateID,
		Payload:       datatypes.JSON(payload),
		Status:        models.DomainEventStatusPending,
		NextAttemptAt: b.d.clock(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("store %s event: %w", ev.Type, err)
	}

	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[ev.Type]...)
	b.mu.RUnlock()

	for _, fn := range subs {
		if err := fn(ctx, tx, ev); err != nil {
			return fmt.Errorf("%s subscriber: %w", ev.Type, err)
		}
	}
	log.WithFields(log.Fields{
		"event":     ev.Type,
		"event_id":  row.EventID,
		"client_id": ev.ClientID,
	}).Debug("domain event published")
	return nil
}

// AppointmentEvent is the payload of appointment lifecycle events.
type AppointmentEvent struct {
	AppointmentID                     uint                     `json:"appointment_id"`
	ClientID                          uint                     `json:"client_id"`
	ServiceID                         uint                     `json:"service_id"`
	ServiceName                       string                   `json:"service_name"`
	ScheduledAt                       time.Time                `json:"scheduled_at"`
	Status                            models.AppointmentStatus `json:"status"`
	IsFirstCompletedForReferredClient bool                     `json:"is_first_completed_for_referred_client,omitempty"`
}

// ReferralEvent is the payload of ReferralConfirmed.
type ReferralEvent struct {
	ReferralID uint                  `json:"referral_id"`
	ReferrerID uint                  `json:"referrer_id"`
	ReferredID uint                  `json:"referred_id"`
	Status     models.ReferralStatus `json:"status"`
}

// RedemptionEvent is the payload of RewardRedeemed.
type RedemptionEvent struct {
	RedemptionID uint   `json:"redemption_id"`
	RewardID     uint   `json:"reward_id"`
	RewardName   string `json:"reward_name"`
	ClientID     uint   `json:"client_id"`
	PointsSpent  int64  `json:"points_spent"`
}

// PointsEvent is the payload of PointsAwarded.
type PointsEvent struct {
	ClientID    uint                          `json:"client_id"`
	Points      int64                         `json:"points"`
	Type        models.LoyaltyTransactionType `json:"type"`
	Description string                        `json:"description"`
	Balance     int64                         `json:"balance"`
	Tier        string                        `json:"tier"`
}
