package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/config"
	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

// WhatsappSender delivers a WhatsApp text message.
type WhatsappSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// EmailSender delivers a plain text email.
type EmailSender interface {
	SendEmail(to []string, subject, body string) error
}

var errSkip = errors.New("skipped")

// notifTemplates hold the message per event type. Events without a template
// are not delivered.
var notifTemplates = map[models.EventType]struct {
	Subject string
	Body    string
}{
	models.EventAppointmentCreated: {
		Subject: "Booking received",
		Body:    "Hi $name, your $service at $business is booked for $time. Status: $status.",
	},
	models.EventAppointmentCancelled: {
		Subject: "Booking cancelled",
		Body:    "Hi $name, your $service on $time has been cancelled.",
	},
	models.EventAppointmentCompleted: {
		Subject: "Thanks for visiting",
		Body:    "Hi $name, thank you for your $service at $business. Your loyalty points have been updated.",
	},
	models.EventReferralConfirmed: {
		Subject: "Your referral is confirmed",
		Body:    "Hi $name, a friend you referred just completed their first visit at $business. Your referral bonus is on its way.",
	},
	models.EventRewardRedeemed: {
		Subject: "Reward redeemed",
		Body:    "Hi $name, you redeemed $reward for $points points. Show this message at $business to use it.",
	},
}

// DispatchEventsArgs bounds one dispatch run.
type DispatchEventsArgs struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// DispatchEventsTaskDef delivers pending outbox events to clients through
// their preferred channel. Delivery never touches ledger rows.
type DispatchEventsTaskDef struct {
	db       *gorm.DB
	whatsapp WhatsappSender
	email    EmailSender
	business config.BusinessConfig
	worker   config.WorkerConfig
	now      func() time.Time
}

func NewDispatchEventsTask(db *gorm.DB, cfg config.Config, whatsapp WhatsappSender, email EmailSender) *DispatchEventsTaskDef {
	return &DispatchEventsTaskDef{
		db:       db,
		whatsapp: whatsapp,
		email:    email,
		business: cfg.Business,
		worker:   cfg.Worker,
		now:      time.Now,
	}
}

// TaskID returns the unique identifier for this task
func (t *DispatchEventsTaskDef) TaskID() string {
	return "dispatch_events"
}

// CreateTask builds a recurring dispatch task that runs every minute.
func (t *DispatchEventsTaskDef) CreateTask(start time.Time) (*models.ScheduledTask, error) {
	rule := "FREQ=MINUTELY;INTERVAL=1"
	return BuildScheduledTask(t.TaskID(), DispatchEventsArgs{}, start, &rule, models.ScheduledTaskTypeRecurring, 3)
}

// HandleExecution delivers one batch of due outbox events.
func (t *DispatchEventsTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	batch := t.worker.OutboxBatchSize
	if v, ok := task.Arguments["batch_size"].(float64); ok && v > 0 {
		batch = int(v)
	}
	if batch <= 0 {
		batch = 50
	}

	now := t.now().UTC()
	var events []models.DomainEvent
	if err := t.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.DomainEventStatusPending, now).
		Order("id ASC").
		Limit(batch).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}

	delivered, skipped, failed := 0, 0, 0
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		err := t.deliver(ctx, ev)
		switch {
		case err == nil:
			delivered++
			t.finish(ctx, ev, models.DomainEventStatusDelivered, "")
		case errors.Is(err, errSkip):
			skipped++
			t.finish(ctx, ev, models.DomainEventStatusSkipped, err.Error())
		default:
			failed++
			t.retry(ctx, ev, err)
		}
	}

	return map[string]interface{}{
		"total":     len(events),
		"delivered": delivered,
		"skipped":   skipped,
		"failure":   failed,
	}, nil
}

func (t *DispatchEventsTaskDef) deliver(ctx context.Context, ev models.DomainEvent) error {
	tmpl, ok := notifTemplates[ev.Type]
	if !ok {
		return fmt.Errorf("%w: no template for %s", errSkip, ev.Type)
	}
	if ev.ClientID == 0 {
		return fmt.Errorf("%w: event has no client", errSkip)
	}

	var client models.Client
	if err := t.db.WithContext(ctx).Unscoped().First(&client, ev.ClientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: client %d not found", errSkip, ev.ClientID)
		}
		return err
	}

	var pref models.ClientNotifPreference
	if err := t.db.WithContext(ctx).Where("client_id = ?", client.ID).First(&pref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: no preference", errSkip)
		}
		return err
	}

	msg, err := t.render(tmpl.Body, client, ev)
	if err != nil {
		return fmt.Errorf("%w: %v", errSkip, err)
	}

	switch pref.Channel {
	case models.NotificationChannelWhatsapp:
		return t.sendWhatsapp(ctx, client, pref, msg)
	case models.NotificationChannelEmail:
		return t.sendEmail(client, tmpl.Subject, msg)
	case models.NotificationChannelNone:
		return fmt.Errorf("%w: notifications disabled", errSkip)
	default:
		return fmt.Errorf("%w: unsupported channel %s", errSkip, pref.Channel)
	}
}

func (t *DispatchEventsTaskDef) sendWhatsapp(ctx context.Context, client models.Client, pref models.ClientNotifPreference, msg string) error {
	if t.whatsapp == nil {
		return fmt.Errorf("%w: whatsapp not configured", errSkip)
	}
	var chatID string
	if pref.WhatsappTargetType == models.WhatsappTargetTypeGroup {
		chatID = pref.WhatsappGroupID
		if chatID == "" {
			return fmt.Errorf("%w: group ID is empty", errSkip)
		}
		if !strings.HasSuffix(chatID, "@g.us") {
			chatID = chatID + "@g.us"
		}
	} else {
		if client.Phone == "" {
			return fmt.Errorf("%w: client has no phone", errSkip)
		}
		chatID = services.NormalizeChatID(client.Phone, t.business.PhoneCountryCode)
	}
	return t.whatsapp.SendMessage(ctx, chatID, msg)
}

func (t *DispatchEventsTaskDef) sendEmail(client models.Client, subject, msg string) error {
	if t.email == nil {
		return fmt.Errorf("%w: email not configured", errSkip)
	}
	if client.Email == "" {
		return fmt.Errorf("%w: client has no email", errSkip)
	}
	return t.email.SendEmail([]string{client.Email}, subject, msg)
}

func (t *DispatchEventsTaskDef) finish(ctx context.Context, ev models.DomainEvent, status models.DomainEventStatus, reason string) {
	updates := map[string]interface{}{"status": status, "last_error": reason}
	if status == models.DomainEventStatusDelivered {
		updates["delivered_at"] = t.now().UTC()
	}
	if err := t.db.WithContext(ctx).Model(&models.DomainEvent{}).Where("id = ?", ev.ID).Updates(updates).Error; err != nil {
		log.WithError(err).WithField("event_id", ev.EventID).Error("failed to update outbox row")
	}
}

func (t *DispatchEventsTaskDef) retry(ctx context.Context, ev models.DomainEvent, cause error) {
	attempts := ev.Attempts + 1
	maxAttempts := t.worker.OutboxMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := time.Duration(t.worker.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = 5 * time.Minute
	}

	updates := map[string]interface{}{
		"attempts":        attempts,
		"last_error":      cause.Error(),
		"next_attempt_at": t.now().UTC().Add(delay),
	}
	logger := log.WithFields(log.Fields{"event_id": ev.EventID, "event": ev.Type, "attempt": attempts})
	if attempts >= maxAttempts {
		updates["status"] = models.DomainEventStatusFailed
		logger.WithError(cause).Error("notification delivery failed, giving up")
	} else {
		logger.WithError(cause).Warn("notification delivery failed, will retry")
	}
	if err := t.db.WithContext(ctx).Model(&models.DomainEvent{}).Where("id = ?", ev.ID).Updates(updates).Error; err != nil {
		logger.WithError(err).Error("failed to update outbox row")
	}
}

func (t *DispatchEventsTaskDef) render(template string, client models.Client, ev models.DomainEvent) (string, error) {
	res := strings.ReplaceAll(template, "$name", firstName(client.Name))
	res = strings.ReplaceAll(res, "$business", t.business.Name)

	switch ev.Type {
	case models.EventAppointmentCreated, models.EventAppointmentCancelled, models.EventAppointmentCompleted:
		var data services.AppointmentEvent
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			return "", fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		res = strings.ReplaceAll(res, "$service", data.ServiceName)
		res = strings.ReplaceAll(res, "$time", data.ScheduledAt.In(t.business.Location()).Format("Mon 2 Jan 2006 15:04"))
		res = strings.ReplaceAll(res, "$status", string(data.Status))
	case models.EventRewardRedeemed:
		var data services.RedemptionEvent
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			return "", fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		res = strings.ReplaceAll(res, "$reward", data.RewardName)
		res = strings.ReplaceAll(res, "$points", fmt.Sprintf("%d", data.PointsSpent))
	}
	return res, nil
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
