package usecase

import (
	"context"
	"encoding/json"
	"time"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	pkgkafka "WalletPull/pkg/kafka"
	"WalletPull/pkg/logger"
)

// ResultHandler is the gather step: it consumes provider results from the
// bus, records them against the job, runs expansion detectors, and hands
// completed jobs to the Finisher. The Kafka consumer commits the offset
// only after Handle returns nil, so transient store errors ride the
// broker's redelivery path.
type ResultHandler struct {
	topic    string
	store    domrepo.JobStore
	expander *Expander
	finisher *Finisher
	metrics  domrepo.Metrics
	logger   *logger.Logger
}

// NewResultHandler creates the results-topic handler.
func NewResultHandler(
	lgr *logger.Logger,
	topic string,
	store domrepo.JobStore,
	expander *Expander,
	finisher *Finisher,
	metrics domrepo.Metrics,
) *ResultHandler {
	return &ResultHandler{
		topic:    topic,
		store:    store,
		expander: expander,
		finisher: finisher,
		metrics:  metrics,
		logger:   lgr,
	}
}

func (h *ResultHandler) Topic() string { return h.topic }

func (h *ResultHandler) Handle(ctx context.Context, b []byte) error {
	var msg models.ProviderResult
	if err := json.Unmarshal(b, &msg); err != nil {
		// No job id to attribute this to; drop rather than poison-loop.
		h.metrics.RecordError("result_unmarshal")
		h.logger.Error("undecodable result message dropped", logger.Error(err))
		return nil
	}
	if msg.JobID == "" || msg.Provider == "" || msg.Chain == "" || msg.Account == "" {
		h.metrics.RecordError("result_incomplete")
		h.logger.Error("incomplete result message dropped", logger.String("job_id", msg.JobID))
		return nil
	}

	entry := &models.ResultEntry{
		Unit:    msg.Unit(),
		OK:      msg.OK,
		Payload: msg.Payload,
		Error:   msg.Error,
	}
	if msg.OK {
		var payload models.ResultPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			// Malformed provider payload counts as a unit failure; it must
			// not block the job and must not be retried forever.
			h.metrics.RecordError("result_payload")
			entry.OK = false
			entry.Payload = nil
			entry.Error = "malformed payload: " + err.Error()
		}
	}

	start := time.Now()
	recorded, pending, err := h.store.RecordResult(ctx, msg.JobID, entry)
	if err != nil {
		h.metrics.RecordError("record_result")
		return err // not committed; broker redelivers
	}
	h.metrics.RecordLatency("record_result", time.Since(start).Seconds())

	outcome := "failure"
	if entry.OK {
		outcome = "success"
	}
	h.metrics.RecordUnitResult(msg.Provider, msg.Chain, outcome)

	if entry.OK {
		// Expansion runs on duplicates too: detectors are deterministic
		// and AddPending has union semantics, so a redelivered message can
		// retry an expansion whose AddPending failed the first time
		// without ever double-adding a unit.
		if recorded || h.jobStillActive(ctx, msg.JobID) {
			h.expander.Expand(ctx, msg.JobID, msg.Unit(), entry.Payload)
		}
	}

	// A duplicate with nothing pending means an earlier delivery recorded
	// the final result but died before finishing; retry the finish here.
	// TryFinish is a CAS, safe to attempt any number of times.
	if pending == 0 {
		h.finisher.TryFinish(ctx, msg.JobID)
	}
	return nil
}

func (h *ResultHandler) jobStillActive(ctx context.Context, jobID string) bool {
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return !job.Status.IsTerminal()
}

var _ pkgkafka.MessageHandler = (*ResultHandler)(nil)
