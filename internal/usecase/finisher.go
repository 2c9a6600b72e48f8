package usecase

import (
	"context"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/pkg/logger"
	"WalletPull/pkg/queue"
)

// TypeConsolidate is the internal queue message type carrying a
// ConsolidateSignal.
const TypeConsolidate = "consolidate"

// Finisher owns the "pending reached zero" handoff: it races the
// Consolidating CAS and, for the single winner, enqueues the
// consolidation job. Safe to call from any worker at any time.
type Finisher struct {
	store  domrepo.JobStore
	queue  queue.QueueService
	logger *logger.Logger
}

// NewFinisher creates a Finisher.
func NewFinisher(lgr *logger.Logger, store domrepo.JobStore, q queue.QueueService) *Finisher {
	return &Finisher{store: store, queue: q, logger: lgr}
}

// TryFinish attempts the Running -> Consolidating transition and, on
// winning it, schedules consolidation. Losing the CAS (another worker won,
// or pending is not actually empty) is a silent no-op.
func (f *Finisher) TryFinish(ctx context.Context, jobID string) {
	won, err := f.store.TryTransitionToConsolidating(ctx, jobID)
	if err != nil {
		f.logger.Error("consolidating transition failed", logger.String("job_id", jobID), logger.Error(err))
		return
	}
	if !won {
		return
	}
	if err := f.queue.PublishMessage(ctx, TypeConsolidate, models.ConsolidateSignal{JobID: jobID}); err != nil {
		// The job stays in Consolidating; the timeout monitor will force
		// it out if the enqueue never succeeds.
		f.logger.Error("consolidate enqueue failed", logger.String("job_id", jobID), logger.Error(err))
	}
}
