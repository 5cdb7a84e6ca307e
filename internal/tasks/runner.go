package tasks

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"glowledger_app/internal/config"
	"glowledger_app/internal/models"
)

const (
	historyStatusSuccess         = "success"
	historyStatusFailure         = "failure"
	historyStatusHandlerNotFound = "handler_not_found"
)

// Runner executes due scheduled_tasks rows. Several runners may poll the
// same table; a row is claimed by moving its due time forward before it runs.
type Runner struct {
	db         *gorm.DB
	registry   *Registry
	retryDelay time.Duration
	now        func() time.Time
}

func NewRunner(db *gorm.DB, registry *Registry, cfg config.WorkerConfig) *Runner {
	delay := time.Duration(cfg.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	return &Runner{db: db, registry: registry, retryDelay: delay, now: time.Now}
}

// SetClock replaces the time source.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Runner) clock() time.Time {
	return r.now().UTC()
}

// RunDue executes every active task whose due time has passed and returns
// how many ran.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	var pending []models.ScheduledTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, r.clock()).
		Order("due ASC, id ASC").
		Find(&pending).Error
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		log.Debug("no pending tasks")
		return 0, nil
	}
	log.WithField("count", len(pending)).Info("pending tasks found")

	ran := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		claimed, err := r.claim(ctx, task)
		if err != nil {
			return ran, err
		}
		if !claimed {
			continue
		}
		if err := r.Execute(ctx, task); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

func (r *Runner) claim(ctx context.Context, task models.ScheduledTask) (bool, error) {
	now := r.clock()
	res := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ? AND due <= ?", task.ID, models.ScheduledTaskStatusActive, now).
		Update("due", now.Add(r.retryDelay))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Execute runs one task, writes its history row and decides the next state.
// The returned error is a storage error; handler failures are recorded.
func (r *Runner) Execute(ctx context.Context, task models.ScheduledTask) error {
	logger := log.WithFields(log.Fields{"task": task.TaskName, "task_id": task.ID})
	attempt := task.Attempts + 1

	handler, found := r.registry.Get(task.TaskName)
	if !found {
		logger.Warn("task handler not found, marking as failure")
		now := r.clock()
		if err := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":   models.ScheduledTaskStatusFailure,
				"last_run": now,
			}).Error; err != nil {
			return err
		}
		return r.db.WithContext(ctx).Create(&models.ScheduledTaskHistory{
			ScheduledTaskID: task.ID,
			TaskName:        task.TaskName,
			RunAt:           now,
			Status:          historyStatusHandlerNotFound,
			AttemptNumber:   attempt,
			Arguments:       task.Arguments,
			Error:           "handler not found",
		}).Error
	}

	startTime := r.clock()
	started := time.Now()
	result, runErr := handler(ctx, task)
	runtime := time.Since(started)

	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           startTime,
		RuntimeMillis:   runtime.Milliseconds(),
		Status:          historyStatusSuccess,
		AttemptNumber:   attempt,
		Arguments:       task.Arguments,
		Result:          result,
	}
	if runErr != nil {
		history.Status = historyStatusFailure
		history.Error = runErr.Error()
		logger.WithError(runErr).WithField("attempt", attempt).Warn("task failed")
	} else {
		logger.WithField("runtime_ms", history.RuntimeMillis).Info("task completed")
	}
	if err := r.db.WithContext(ctx).Create(&history).Error; err != nil {
		return err
	}

	updates := r.nextState(task, runErr, startTime)
	updates["last_run"] = startTime
	return r.db.WithContext(ctx).Model(&models.ScheduledTask{}).Where("id = ?", task.ID).Updates(updates).Error
}

// nextState retries a failed run after the retry delay until MaxAttempt is
// reached. Recurring tasks then move on to their next occurrence, one-time
// tasks end in failure.
func (r *Runner) nextState(task models.ScheduledTask, runErr error, now time.Time) map[string]interface{} {
	if runErr != nil {
		attempts := task.Attempts + 1
		maxAttempt := task.MaxAttempt
		if maxAttempt < 1 {
			maxAttempt = 1
		}
		if attempts < maxAttempt {
			return map[string]interface{}{
				"status":   models.ScheduledTaskStatusActive,
				"attempts": attempts,
				"due":      now.Add(r.retryDelay),
			}
		}
		if task.TaskType != models.ScheduledTaskTypeRecurring {
			return map[string]interface{}{
				"status":   models.ScheduledTaskStatusFailure,
				"attempts": attempts,
			}
		}
	}

	switch task.TaskType {
	case models.ScheduledTaskTypeRecurring:
		nextDue := task.NextDue(now)
		// a rule with no future occurrence ends the task
		if nextDue.IsZero() || !nextDue.After(now) {
			return map[string]interface{}{"status": models.ScheduledTaskStatusDone, "attempts": 0}
		}
		return map[string]interface{}{
			"status":   models.ScheduledTaskStatusActive,
			"due":      nextDue.UTC(),
			"attempts": 0,
		}
	default:
		return map[string]interface{}{"status": models.ScheduledTaskStatusDone, "attempts": 0}
	}
}

// Loop runs RunDue immediately and then on every tick until ctx is done.
func (r *Runner) Loop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	if _, err := r.RunDue(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("error processing scheduled tasks")
	}
}
