package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"glowledger_app/internal/config"
	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

type sentMessage struct {
	to      string
	subject string
	body    string
}

type fakeWhatsapp struct {
	sent []sentMessage
	err  error
}

func (f *fakeWhatsapp) SendMessage(ctx context.Context, chatID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: chatID, body: text})
	return nil
}

type fakeEmail struct {
	sent []sentMessage
}

func (f *fakeEmail) SendEmail(to []string, subject, body string) error {
	f.sent = append(f.sent, sentMessage{to: strings.Join(to, ","), subject: subject, body: body})
	return nil
}

func newDispatchFixture(t *testing.T, wa *fakeWhatsapp, mail *fakeEmail) (*gorm.DB, *services.Ledger, *DispatchEventsTaskDef, time.Time) {
	t.Helper()
	db := newTestDB(t)
	cfg := config.Default()
	cfg.Worker.OutboxMaxAttempts = 2
	cfg.Worker.RetryDelaySeconds = 60
	ledger := services.NewLedger(db, cfg, nil)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ledger.SetClock(func() time.Time { return now })

	task := NewDispatchEventsTask(db, cfg, wa, mail)
	task.now = func() time.Time { return now }
	return db, ledger, task, now
}

func register(t *testing.T, ledger *services.Ledger, name, phone, email string) *models.Client {
	t.Helper()
	c, err := ledger.Clients.RegisterClient(context.Background(), services.RegisterClientInput{Name: name, Phone: phone, Email: email})
	if err != nil {
		t.Fatalf("RegisterClient(%s): %v", name, err)
	}
	return c
}

func insertEvent(t *testing.T, db *gorm.DB, typ models.EventType, clientID uint, data interface{}, at time.Time) models.DomainEvent {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ev := models.DomainEvent{
		EventID:       uuid.NewString(),
		Type:          typ,
		ClientID:      clientID,
		Payload:       datatypes.JSON(payload),
		Status:        models.DomainEventStatusPending,
		NextAttemptAt: at,
	}
	if err := db.Create(&ev).Error; err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return ev
}

func reloadEvent(t *testing.T, db *gorm.DB, id uint) models.DomainEvent {
	t.Helper()
	var ev models.DomainEvent
	if err := db.First(&ev, id).Error; err != nil {
		t.Fatalf("reload event: %v", err)
	}
	return ev
}

func TestDispatchDeliversPerPreference(t *testing.T) {
	wa, mail := &fakeWhatsapp{}, &fakeEmail{}
	db, ledger, task, now := newDispatchFixture(t, wa, mail)

	ana := register(t, ledger, "Ana Putri", "0812 3456", "")
	budi := register(t, ledger, "Budi", "", "budi@example.com")
	citra := register(t, ledger, "Citra", "0899", "")
	if _, err := ledger.Clients.UpdateNotifPreference(context.Background(), citra.ID, models.ClientNotifPreference{Channel: models.NotificationChannelNone}); err != nil {
		t.Fatalf("UpdateNotifPreference: %v", err)
	}

	appt := services.AppointmentEvent{ServiceName: "Facial", ScheduledAt: now.Add(24 * time.Hour), Status: models.AppointmentStatusConfirmed}
	evAna := insertEvent(t, db, models.EventAppointmentCreated, ana.ID, appt, now)
	evBudi := insertEvent(t, db, models.EventRewardRedeemed, budi.ID, services.RedemptionEvent{RewardName: "Free mask", PointsSpent: 300}, now)
	evCitra := insertEvent(t, db, models.EventAppointmentCreated, citra.ID, appt, now)
	evPoints := insertEvent(t, db, models.EventPointsAwarded, ana.ID, services.PointsEvent{Points: 50}, now)
	future := insertEvent(t, db, models.EventAppointmentCreated, ana.ID, appt, now.Add(time.Hour))

	result, err := task.HandleExecution(context.Background(), models.ScheduledTask{Arguments: map[string]interface{}{}})
	if err != nil {
		t.Fatalf("HandleExecution: %v", err)
	}
	if result["delivered"] != 2 || result["skipped"] != 2 || result["failure"] != 0 {
		t.Fatalf("unexpected result: %v", result)
	}

	if len(wa.sent) != 1 {
		t.Fatalf("whatsapp sent %d messages, want 1", len(wa.sent))
	}
	if wa.sent[0].to != "628123456@c.us" {
		t.Errorf("chat id = %q", wa.sent[0].to)
	}
	if !strings.Contains(wa.sent[0].body, "Hi Ana") || !strings.Contains(wa.sent[0].body, "Facial") {
		t.Errorf("whatsapp body = %q", wa.sent[0].body)
	}

	if len(mail.sent) != 1 || mail.sent[0].to != "budi@example.com" {
		t.Fatalf("email sent = %+v", mail.sent)
	}
	if !strings.Contains(mail.sent[0].body, "Free mask") || !strings.Contains(mail.sent[0].body, "300") {
		t.Errorf("email body = %q", mail.sent[0].body)
	}

	for id, want := range map[uint]models.DomainEventStatus{
		evAna.ID:    models.DomainEventStatusDelivered,
		evBudi.ID:   models.DomainEventStatusDelivered,
		evCitra.ID:  models.DomainEventStatusSkipped,
		evPoints.ID: models.DomainEventStatusSkipped,
		future.ID:   models.DomainEventStatusPending,
	} {
		if got := reloadEvent(t, db, id).Status; got != want {
			t.Errorf("event %d status = %s, want %s", id, got, want)
		}
	}
}

func TestDispatchRetriesThenFails(t *testing.T) {
	wa := &fakeWhatsapp{err: errors.New("waha unavailable")}
	db, ledger, task, now := newDispatchFixture(t, wa, &fakeEmail{})

	ana := register(t, ledger, "Ana", "0812", "")
	ev := insertEvent(t, db, models.EventAppointmentCompleted, ana.ID, services.AppointmentEvent{ServiceName: "Facial", ScheduledAt: now}, now)

	if _, err := task.HandleExecution(context.Background(), models.ScheduledTask{}); err != nil {
		t.Fatalf("HandleExecution: %v", err)
	}
	got := reloadEvent(t, db, ev.ID)
	if got.Status != models.DomainEventStatusPending || got.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if !got.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Errorf("next attempt = %v", got.NextAttemptAt)
	}
	if got.LastError != "waha unavailable" {
		t.Errorf("last error = %q", got.LastError)
	}

	// still inside the retry delay
	result, _ := task.HandleExecution(context.Background(), models.ScheduledTask{})
	if result["total"] != 0 {
		t.Fatalf("picked up %v events before retry delay", result["total"])
	}

	later := now.Add(2 * time.Minute)
	task.now = func() time.Time { return later }
	if _, err := task.HandleExecution(context.Background(), models.ScheduledTask{}); err != nil {
		t.Fatalf("HandleExecution: %v", err)
	}
	got = reloadEvent(t, db, ev.ID)
	if got.Status != models.DomainEventStatusFailed || got.Attempts != 2 {
		t.Fatalf("after max attempts: status=%s attempts=%d", got.Status, got.Attempts)
	}

	// ledger rows are untouched by delivery failures
	overview, err := ledger.Loyalty.Overview(context.Background(), ana.ID)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if overview.Points != 0 {
		t.Errorf("points = %d, want 0", overview.Points)
	}
}

func TestDispatchGroupTarget(t *testing.T) {
	wa := &fakeWhatsapp{}
	db, ledger, task, now := newDispatchFixture(t, wa, &fakeEmail{})

	ana := register(t, ledger, "Ana", "0812", "")
	if _, err := ledger.Clients.UpdateNotifPreference(context.Background(), ana.ID, models.ClientNotifPreference{
		Channel:            models.NotificationChannelWhatsapp,
		WhatsappTargetType: models.WhatsappTargetTypeGroup,
		WhatsappGroupID:    "12036302",
	}); err != nil {
		t.Fatalf("UpdateNotifPreference: %v", err)
	}
	insertEvent(t, db, models.EventReferralConfirmed, ana.ID, services.ReferralEvent{ReferrerID: ana.ID}, now)

	if _, err := task.HandleExecution(context.Background(), models.ScheduledTask{}); err != nil {
		t.Fatalf("HandleExecution: %v", err)
	}
	if len(wa.sent) != 1 || wa.sent[0].to != "12036302@g.us" {
		t.Fatalf("sent = %+v", wa.sent)
	}
}
