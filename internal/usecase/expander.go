package usecase

import (
	"context"
	"encoding/json"
	"sort"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/pkg/logger"
)

// Detector inspects a provider's raw payload and reports follow-up
// (provider, chain) pairs that must now be queried for the same account.
// Implementations must be deterministic: the same payload always yields
// the same pairs, which is what makes expansion idempotent under
// redelivery.
type Detector interface {
	Provider() string
	Detect(chain string, payload json.RawMessage) []models.ProviderChain
}

// CollectionDetector triggers on NFT collections in scan payloads, e.g. a
// position-manager NFT implying a liquidity-protocol query.
type CollectionDetector struct {
	provider string
	rules    map[string]string // collection -> follow-up provider
	registry *ProviderRegistry
}

// NewCollectionDetector builds a detector from a provider's configured
// expansion rules.
func NewCollectionDetector(provider string, rules map[string]string, registry *ProviderRegistry) *CollectionDetector {
	return &CollectionDetector{provider: provider, rules: rules, registry: registry}
}

func (d *CollectionDetector) Provider() string { return d.provider }

func (d *CollectionDetector) Detect(chain string, payload json.RawMessage) []models.ProviderChain {
	var p models.ResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}

	seen := make(map[string]bool)
	pairs := make([]models.ProviderChain, 0, 2)
	for _, nft := range p.NFTs {
		target, ok := d.rules[nft.Collection]
		if !ok {
			continue
		}
		if !d.registry.SupportsChain(target, chain) {
			continue
		}
		if seen[target] {
			continue
		}
		seen[target] = true
		pairs = append(pairs, models.ProviderChain{Provider: target, Chain: chain})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Provider < pairs[j].Provider })
	return pairs
}

// Expander grows a job mid-flight when a scan result implies more work.
// New units follow the dispatcher's discipline: pending entry first, then
// the request message.
type Expander struct {
	store     domrepo.JobStore
	bus       domrepo.RequestBus
	detectors map[string]Detector
	metrics   domrepo.Metrics
	logger    *logger.Logger
}

// NewExpander creates the expander over a detector set.
func NewExpander(lgr *logger.Logger, store domrepo.JobStore, bus domrepo.RequestBus, detectors []Detector, metrics domrepo.Metrics) *Expander {
	byProvider := make(map[string]Detector, len(detectors))
	for _, d := range detectors {
		byProvider[d.Provider()] = d
	}
	return &Expander{
		store:     store,
		bus:       bus,
		detectors: byProvider,
		metrics:   metrics,
		logger:    lgr,
	}
}

// Expand runs the detector bound to the unit's provider and union-adds
// any follow-up units. A unit that was already added (by a previous
// delivery of the same trigger) is skipped without publishing, so
// duplicate messages never double a job's work. Returns how many new
// units were added.
func (e *Expander) Expand(ctx context.Context, jobID string, unit models.UnitKey, payload json.RawMessage) int {
	det, ok := e.detectors[unit.Provider]
	if !ok {
		return 0
	}

	added := 0
	for _, pair := range det.Detect(unit.Chain, payload) {
		newUnit := models.UnitKey{Provider: pair.Provider, Chain: pair.Chain, Account: unit.Account}
		n, err := e.store.AddPending(ctx, jobID, []models.UnitKey{newUnit})
		if err != nil {
			e.metrics.RecordError("expand_add_pending")
			e.logger.Error("expansion add pending failed",
				logger.String("job_id", jobID),
				logger.String("unit", newUnit.String()),
				logger.Error(err))
			continue
		}
		if n == 0 {
			continue // already added by an earlier delivery
		}
		if err := publishUnit(ctx, e.bus, jobID, newUnit); err != nil {
			e.metrics.RecordError("expand_publish")
			e.logger.Error("expansion publish failed",
				logger.String("job_id", jobID),
				logger.String("unit", newUnit.String()),
				logger.Error(err))
			// Leave the unit pending; a redelivered trigger cannot repair
			// it (union-add skips it) but the timeout monitor will close
			// the job out.
			continue
		}
		added++
		e.metrics.RecordExpansion(pair.Provider, pair.Chain)
		e.logger.Info("job expanded",
			logger.String("job_id", jobID),
			logger.String("trigger", unit.String()),
			logger.String("unit", newUnit.String()))
	}
	return added
}
