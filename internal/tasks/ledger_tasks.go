package tasks

import (
	"context"
	"fmt"
	"time"

	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

// ExpirePackagesTaskDef moves ACTIVE packages past their expiry to EXPIRED.
type ExpirePackagesTaskDef struct {
	ledger *services.Ledger
}

func NewExpirePackagesTask(ledger *services.Ledger) *ExpirePackagesTaskDef {
	return &ExpirePackagesTaskDef{ledger: ledger}
}

// TaskID returns the unique identifier for this task
func (t *ExpirePackagesTaskDef) TaskID() string {
	return "expire_packages"
}

// CreateTask builds the daily sweep, run shortly after midnight UTC.
func (t *ExpirePackagesTaskDef) CreateTask(start time.Time) (*models.ScheduledTask, error) {
	rule := "FREQ=DAILY;BYHOUR=0;BYMINUTE=5;BYSECOND=0"
	return BuildScheduledTask(t.TaskID(), nil, start, &rule, models.ScheduledTaskTypeRecurring, 3)
}

func (t *ExpirePackagesTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	expired, err := t.ledger.Packages.ExpirePackages(ctx, t.ledger.Now())
	if err != nil {
		return nil, fmt.Errorf("expire packages: %w", err)
	}
	return map[string]interface{}{"expired": expired}, nil
}

// AwardBirthdaysTaskDef grants the yearly birthday bonus.
type AwardBirthdaysTaskDef struct {
	ledger *services.Ledger
}

func NewAwardBirthdaysTask(ledger *services.Ledger) *AwardBirthdaysTaskDef {
	return &AwardBirthdaysTaskDef{ledger: ledger}
}

// TaskID returns the unique identifier for this task
func (t *AwardBirthdaysTaskDef) TaskID() string {
	return "award_birthdays"
}

// CreateTask builds the daily birthday run. Awards are keyed per year, so a
// second run on the same day is harmless.
func (t *AwardBirthdaysTaskDef) CreateTask(start time.Time) (*models.ScheduledTask, error) {
	rule := "FREQ=DAILY;BYHOUR=1;BYMINUTE=0;BYSECOND=0"
	return BuildScheduledTask(t.TaskID(), nil, start, &rule, models.ScheduledTaskTypeRecurring, 3)
}

func (t *AwardBirthdaysTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	awarded, err := t.ledger.Loyalty.AwardBirthdays(ctx, t.ledger.Now())
	if err != nil {
		return map[string]interface{}{"awarded": awarded}, err
	}
	return map[string]interface{}{"awarded": awarded}, nil
}
