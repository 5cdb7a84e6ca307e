package tasks

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

// LedgerHealthTaskDef reconciles every loyalty account against its
// transactions and reports the outbox backlog. It changes nothing.
type LedgerHealthTaskDef struct {
	ledger *services.Ledger
}

func NewLedgerHealthTask(ledger *services.Ledger) *LedgerHealthTaskDef {
	return &LedgerHealthTaskDef{ledger: ledger}
}

// TaskID returns the unique identifier for this task
func (t *LedgerHealthTaskDef) TaskID() string {
	return "ledger_health"
}

func (t *LedgerHealthTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	db := t.ledger.DB().WithContext(ctx)

	var pending int64
	if err := db.Model(&models.DomainEvent{}).Where("status = ?", models.DomainEventStatusPending).Count(&pending).Error; err != nil {
		return nil, err
	}

	var clientIDs []uint
	if err := db.Model(&models.LoyaltyAccount{}).Order("client_id").Pluck("client_id", &clientIDs).Error; err != nil {
		return nil, err
	}
	var mismatched []uint
	for _, id := range clientIDs {
		report, err := t.ledger.Loyalty.Reconcile(ctx, id)
		if errors.Is(err, services.ErrIntegrity) {
			log.WithFields(log.Fields{
				"client_id":     id,
				"stored_points": report.StoredPoints,
				"ledger_points": report.LedgerPoints,
			}).Error("loyalty account out of balance")
			mismatched = append(mismatched, id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	fields := log.Fields{
		"task":           t.TaskID(),
		"task_id":        task.ID,
		"accounts":       len(clientIDs),
		"mismatched":     len(mismatched),
		"outbox_pending": pending,
	}
	if len(mismatched) > 0 {
		log.WithFields(fields).Warn("ledger health check found mismatches")
	} else {
		log.WithFields(fields).Info("ledger health check passed")
	}

	return map[string]interface{}{
		"accounts":       len(clientIDs),
		"mismatched":     mismatched,
		"outbox_pending": pending,
	}, nil
}
