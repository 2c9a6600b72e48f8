package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/pkg/logger"
	"WalletPull/pkg/queue"
)

// TimeoutMonitor is the backstop for jobs whose pending set never reaches
// zero. It is the only component allowed to terminate a job with pending
// entries remaining, and it uses the store's CAS discipline so a job that
// completes legitimately at the same instant wins the race.
type TimeoutMonitor struct {
	store    domrepo.JobStore
	queue    queue.QueueService
	metrics  domrepo.Metrics
	logger   *logger.Logger
	deadline time.Duration
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTimeoutMonitor creates the monitor.
func NewTimeoutMonitor(
	lgr *logger.Logger,
	store domrepo.JobStore,
	q queue.QueueService,
	metrics domrepo.Metrics,
	deadline, interval time.Duration,
) *TimeoutMonitor {
	return &TimeoutMonitor{
		store:    store,
		queue:    q,
		metrics:  metrics,
		logger:   lgr,
		deadline: deadline,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("timeout monitor started",
			logger.Duration("deadline", m.deadline),
			logger.Duration("interval", m.interval))

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-progress sweep.
func (m *TimeoutMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Sweep force-terminates every in-flight job older than the deadline.
// Jobs with at least one recorded result become CompletedWithErrors and
// get a partial snapshot; jobs with none become TimedOut.
func (m *TimeoutMonitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.deadline)
	ids, err := m.store.ExpiredInflight(ctx, cutoff)
	if err != nil {
		m.metrics.RecordError("monitor_scan")
		m.logger.Error("inflight scan failed", logger.Error(err))
		return
	}

	for _, id := range ids {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domrepo.ErrJobNotFound) {
				_ = m.store.RemoveInflight(ctx, id)
			}
			continue
		}
		if job.Status.IsTerminal() {
			// Consolidation finished but the inflight entry lingered.
			_ = m.store.RemoveInflight(ctx, id)
			continue
		}

		// The store picks TimedOut vs CompletedWithErrors atomically with
		// reading the counters; a result landing right now still counts.
		status, forced, err := m.store.ExpireOverdue(ctx, id)
		if err != nil {
			m.metrics.RecordError("monitor_force")
			m.logger.Error("force terminal failed", logger.String("job_id", id), logger.Error(err))
			continue
		}
		if !forced {
			continue // lost the race to a legitimate completion
		}

		m.logger.Warn("job forced terminal by deadline",
			logger.String("job_id", id),
			logger.String("status", string(status)),
			logger.Int64("succeeded", job.Succeeded),
			logger.Int64("failed", job.Failed),
			logger.Int64("expected", job.Expected))

		// Consolidate whatever results exist; for TimedOut this writes an
		// empty snapshot and clears the inflight entry.
		if err := m.queue.PublishMessage(ctx, TypeConsolidate, models.ConsolidateSignal{JobID: id}); err != nil {
			m.logger.Error("consolidate enqueue failed", logger.String("job_id", id), logger.Error(err))
		}
	}
}
