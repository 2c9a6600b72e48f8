package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/pkg/logger"
	"WalletPull/pkg/queue"
)

// Consolidator merges a finished job's partial results into one wallet
// snapshot. It runs as a Redis-queue job so any worker can pick it up;
// everything it does is idempotent, so a retried or duplicated signal is
// harmless.
type Consolidator struct {
	store   domrepo.JobStore
	archive domrepo.Archive
	metrics domrepo.Metrics
	logger  *logger.Logger

	// now is swappable for deterministic snapshots in tests.
	now func() time.Time
}

// NewConsolidator creates the consolidation queue job. archive may be nil
// when ClickHouse is disabled.
func NewConsolidator(lgr *logger.Logger, store domrepo.JobStore, archive domrepo.Archive, metrics domrepo.Metrics) *Consolidator {
	return &Consolidator{
		store:   store,
		archive: archive,
		metrics: metrics,
		logger:  lgr,
		now:     time.Now,
	}
}

func (c *Consolidator) Name() string { return "consolidator" }
func (c *Consolidator) Type() string { return TypeConsolidate }

func (c *Consolidator) Handle(ctx context.Context, payload interface{}) error {
	sig, err := queue.ParsePayload[models.ConsolidateSignal](payload)
	if err != nil {
		c.metrics.RecordError("consolidate_payload")
		return err
	}

	job, err := c.store.Get(ctx, sig.JobID)
	if err != nil {
		if errors.Is(err, domrepo.ErrJobNotFound) {
			c.logger.Warn("consolidation for unknown job dropped", logger.String("job_id", sig.JobID))
			return nil
		}
		return err
	}

	results, err := c.store.Results(ctx, job.ID)
	if err != nil {
		return err
	}

	start := time.Now()
	snap := BuildSnapshot(job.ID, results, c.now())
	wrote, err := c.store.WriteSnapshot(ctx, job.ID, snap)
	if err != nil {
		return err
	}
	if !wrote {
		c.logger.Debug("snapshot already written", logger.String("job_id", job.ID))
	}

	// No-op when the timeout monitor already forced a terminal status.
	if _, err := c.store.FinalizeStatus(ctx, job.ID, job.FinalStatus()); err != nil {
		return err
	}

	if job.WalletGroup != "" {
		if err := c.store.SetLatest(ctx, job.WalletGroup, job.ID); err != nil {
			c.logger.Warn("latest index update failed", logger.String("job_id", job.ID), logger.Error(err))
		}
	}
	if err := c.store.RemoveInflight(ctx, job.ID); err != nil {
		c.logger.Warn("inflight removal failed", logger.String("job_id", job.ID), logger.Error(err))
	}

	if wrote && c.archive != nil {
		if err := c.archive.ArchiveSnapshot(ctx, snap); err != nil {
			// Archive is best-effort; the snapshot in the store is the
			// durable answer.
			c.metrics.RecordError("archive")
			c.logger.Error("snapshot archive failed", logger.String("job_id", job.ID), logger.Error(err))
		}
	}

	final, err := c.store.Get(ctx, job.ID)
	if err == nil {
		c.metrics.RecordJobFinished(string(final.Status))
	}
	c.metrics.RecordLatency("consolidate", time.Since(start).Seconds())
	c.logger.Info("job consolidated",
		logger.String("job_id", job.ID),
		logger.Int("positions", len(snap.Positions)),
		logger.Int64("succeeded", job.Succeeded),
		logger.Int64("failed", job.Failed),
		logger.Int64("timed_out", job.TimedOut))
	return nil
}

// BuildSnapshot flattens result entries into the ordered position list.
// Units are sorted by provider, chain, account; positions keep their
// payload order within a unit. Deterministic: the same results always
// produce the same snapshot bytes.
func BuildSnapshot(jobID string, results []*models.ResultEntry, at time.Time) *models.WalletSnapshot {
	sorted := make([]*models.ResultEntry, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Unit.String() < sorted[j].Unit.String()
	})

	snap := &models.WalletSnapshot{
		JobID:       jobID,
		Positions:   make([]models.Position, 0, len(sorted)*4),
		TotalsUSD:   make(map[models.PositionKind]float64),
		GeneratedAt: at.UTC(),
	}
	for _, res := range sorted {
		if !res.OK {
			continue
		}
		var payload models.ResultPayload
		if err := json.Unmarshal(res.Payload, &payload); err != nil {
			continue // validated at ingest; a bad blob here is skipped, not fatal
		}
		for _, p := range payload.Positions {
			if p.Chain == "" {
				p.Chain = res.Unit.Chain
			}
			if p.Account == "" {
				p.Account = res.Unit.Account
			}
			if p.Protocol == "" {
				p.Protocol = res.Unit.Provider
			}
			snap.Positions = append(snap.Positions, p)
			snap.TotalsUSD[p.Kind] += p.USDValue
		}
	}
	return snap
}

var _ queue.Job = (*Consolidator)(nil)
