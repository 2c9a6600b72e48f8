package usecase

import (
	"context"
	"errors"
	"time"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/internal/service/ratelimit"
	"WalletPull/pkg/logger"
)

// ErrNoUnits is returned when no configured provider supports any of the
// requested chains; such requests are rejected before a job is created.
var ErrNoUnits = errors.New("no provider supports the requested chains")

// Dispatcher is the scatter step: it creates (or reuses) the job and fans
// one request per (provider, chain, account) unit out onto the bus.
type Dispatcher struct {
	store    domrepo.JobStore
	bus      domrepo.RequestBus
	registry *ProviderRegistry
	limiter  *ratelimit.Limiter
	metrics  domrepo.Metrics
	logger   *logger.Logger
	finisher *Finisher

	// dispatchRPS caps publish rate per provider topic; 0 disables.
	dispatchRPS float64
}

// NewDispatcher creates the request dispatcher.
func NewDispatcher(
	lgr *logger.Logger,
	store domrepo.JobStore,
	bus domrepo.RequestBus,
	registry *ProviderRegistry,
	finisher *Finisher,
	metrics domrepo.Metrics,
	dispatchRPS float64,
) *Dispatcher {
	return &Dispatcher{
		store:       store,
		bus:         bus,
		registry:    registry,
		limiter:     ratelimit.New(),
		metrics:     metrics,
		logger:      lgr,
		finisher:    finisher,
		dispatchRPS: dispatchRPS,
	}
}

// StartAggregation deduplicates the request, creates the job and scatters
// one request message per unit. Every unit's pending entry is written
// before its request is published so an instant reply can never race the
// bookkeeping. Returns the job and whether an in-flight one was reused.
func (d *Dispatcher) StartAggregation(ctx context.Context, accounts, chains []string, walletGroup string) (*models.AggregationJob, bool, error) {
	accounts = models.NormalizeAccounts(accounts)
	chains = models.NormalizeChains(chains)

	units := d.registry.ResolveUnits(chains, accounts)
	if len(units) == 0 {
		return nil, false, ErrNoUnits
	}

	job, reused, err := d.store.CreateOrReuse(ctx, accounts, chains, walletGroup)
	if err != nil {
		d.metrics.RecordError("create_job")
		return nil, false, err
	}
	d.metrics.RecordJobStarted(reused)
	if reused {
		d.logger.Debug("reusing in-flight job",
			logger.String("job_id", job.ID),
			logger.Int("units", len(units)))
		return job, true, nil
	}

	start := time.Now()
	added, err := d.store.AddPending(ctx, job.ID, units)
	if err != nil {
		d.metrics.RecordError("add_pending")
		return nil, false, err
	}

	// Running before the first publish: an instant reply must find the
	// job past pending, or its consolidating CAS would lose with nobody
	// left to retry it.
	if err := d.store.MarkRunning(ctx, job.ID); err != nil {
		d.metrics.RecordError("mark_running")
		return nil, false, err
	}

	published := 0
	for _, unit := range units {
		if err := d.throttle(ctx, unit.Provider); err != nil {
			d.failUnit(ctx, job.ID, unit, err)
			continue
		}
		if err := publishUnit(ctx, d.bus, job.ID, unit); err != nil {
			d.logger.Error("request publish failed",
				logger.String("job_id", job.ID),
				logger.String("unit", unit.String()),
				logger.Error(err))
			d.metrics.RecordError("publish_request")
			d.failUnit(ctx, job.ID, unit, err)
			continue
		}
		published++
	}

	d.logger.Info("job dispatched",
		logger.String("job_id", job.ID),
		logger.Int64("expected", added),
		logger.Int("published", published),
		logger.Duration("elapsed", time.Since(start)))
	d.metrics.RecordLatency("dispatch", time.Since(start).Seconds())

	return job, false, nil
}

// throttle blocks until the provider's token bucket admits one publish.
func (d *Dispatcher) throttle(ctx context.Context, provider string) error {
	if d.dispatchRPS <= 0 {
		return nil
	}
	for !d.limiter.Allow("dispatch:"+provider, d.dispatchRPS, d.dispatchRPS) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

// failUnit records a unit that can never produce a result (its request was
// never published) so the counters stay consistent. If that failure was
// the last pending entry the job finishes here; results for the other
// units may already have been consumed while dispatch was still running.
func (d *Dispatcher) failUnit(ctx context.Context, jobID string, unit models.UnitKey, cause error) {
	_, pending, err := d.store.RecordResult(ctx, jobID, &models.ResultEntry{
		Unit:  unit,
		OK:    false,
		Error: "dispatch failed: " + cause.Error(),
	})
	if err != nil {
		d.logger.Error("record dispatch failure",
			logger.String("job_id", jobID),
			logger.String("unit", unit.String()),
			logger.Error(err))
		return
	}
	if pending == 0 {
		d.finisher.TryFinish(ctx, jobID)
	}
}

// publishUnit publishes the request message for one unit. Shared with the
// expander so both honor the same message contract.
func publishUnit(ctx context.Context, bus domrepo.RequestBus, jobID string, unit models.UnitKey) error {
	return bus.PublishRequest(ctx, &models.ProviderRequest{
		JobID:    jobID,
		Provider: unit.Provider,
		Chain:    unit.Chain,
		Account:  unit.Account,
	})
}
