package tasks

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

type taskDef interface {
	TaskID() string
	HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error)
}

type recurringDef interface {
	taskDef
	CreateTask(start time.Time) (*models.ScheduledTask, error)
}

// Definitions holds the task definitions a worker serves.
type Definitions struct {
	ExpirePackages *ExpirePackagesTaskDef
	AwardBirthdays *AwardBirthdaysTaskDef
	DispatchEvents *DispatchEventsTaskDef
	LedgerHealth   *LedgerHealthTaskDef
}

// NewDefinitions builds every task definition. whatsapp and email may be nil
// when the channel is not configured; events for that channel are skipped.
func NewDefinitions(ledger *services.Ledger, whatsapp WhatsappSender, email EmailSender) *Definitions {
	return &Definitions{
		ExpirePackages: NewExpirePackagesTask(ledger),
		AwardBirthdays: NewAwardBirthdaysTask(ledger),
		DispatchEvents: NewDispatchEventsTask(ledger.DB(), ledger.Config(), whatsapp, email),
		LedgerHealth:   NewLedgerHealthTask(ledger),
	}
}

// DefineTasks registers all available tasks
func (d *Definitions) DefineTasks(r *Registry) {
	for _, def := range []taskDef{d.ExpirePackages, d.AwardBirthdays, d.DispatchEvents, d.LedgerHealth} {
		r.Register(def.TaskID(), def.HandleExecution)
	}
}

// EnsureRecurringTasks inserts the recurring system tasks that have no active
// row yet, so a fresh database starts with a working schedule.
func (d *Definitions) EnsureRecurringTasks(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	created := 0
	for _, def := range []recurringDef{d.ExpirePackages, d.AwardBirthdays, d.DispatchEvents} {
		var count int64
		if err := db.WithContext(ctx).Model(&models.ScheduledTask{}).
			Where("task_name = ? AND task_type = ? AND status = ?", def.TaskID(), models.ScheduledTaskTypeRecurring, models.ScheduledTaskStatusActive).
			Count(&count).Error; err != nil {
			return created, err
		}
		if count > 0 {
			continue
		}
		task, err := def.CreateTask(now)
		if err != nil {
			return created, fmt.Errorf("build %s: %w", def.TaskID(), err)
		}
		if err := db.WithContext(ctx).Create(task).Error; err != nil {
			return created, fmt.Errorf("create %s: %w", def.TaskID(), err)
		}
		log.WithFields(log.Fields{"task": task.TaskName, "rrule": *task.RecurringInterval}).Info("recurring task scheduled")
		created++
	}
	return created, nil
}
