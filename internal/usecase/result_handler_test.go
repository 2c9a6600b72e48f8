package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"WalletPull/internal/domain/models"
)

func newTestResultHandler(store *memStore, bus *fakeBus, q *fakeQueue) *ResultHandler {
	lgr := testLogger()
	registry := NewProviderRegistry(expansionProviders())
	detectors := []Detector{
		NewCollectionDetector("nftscan", registry.ExpansionRules("nftscan"), registry),
	}
	expander := NewExpander(lgr, store, bus, detectors, nopMetrics{})
	finisher := NewFinisher(lgr, store, q)
	return NewResultHandler(lgr, "portfolio.results", store, expander, finisher, nopMetrics{})
}

func resultBytes(t *testing.T, jobID string, unit models.UnitKey, ok bool, payload interface{}) []byte {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	msg := models.ProviderResult{
		JobID:    jobID,
		Provider: unit.Provider,
		Chain:    unit.Chain,
		Account:  unit.Account,
		OK:       ok,
		Payload:  raw,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return b
}

func TestHandleLastResultTriggersConsolidation(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	h := newTestResultHandler(store, &fakeBus{}, q)

	unit := models.UnitKey{Provider: "uniswap-v3", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, unit)

	payload := models.ResultPayload{Positions: []models.Position{
		{Kind: models.KindLiquidity, Symbol: "ETH/USDC", Amount: 1, USDValue: 1000},
	}}
	if err := h.Handle(context.Background(), resultBytes(t, job.ID, unit, true, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Succeeded != 1 {
		t.Fatalf("expected 1 success, got %d", got.Succeeded)
	}
	if got.Status != models.StatusConsolidating {
		t.Fatalf("expected consolidating, got %s", got.Status)
	}
	sigs := q.signals()
	if len(sigs) != 1 || sigs[0].JobID != job.ID {
		t.Fatalf("expected consolidate signal for %s, got %+v", job.ID, sigs)
	}
}

func TestHandleDuplicateResultDropped(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	h := newTestResultHandler(store, &fakeBus{}, q)

	unit := models.UnitKey{Provider: "uniswap-v3", Chain: "ethereum", Account: "0xabc"}
	other := models.UnitKey{Provider: "nftscan", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, unit, other)

	b := resultBytes(t, job.ID, unit, true, models.ResultPayload{})
	if err := h.Handle(context.Background(), b); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := h.Handle(context.Background(), b); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Succeeded != 1 {
		t.Fatalf("duplicate must not double-count: succeeded=%d", got.Succeeded)
	}
	if len(q.signals()) != 0 {
		t.Fatalf("job still has pending work; no consolidation expected")
	}
}

func TestHandleRedeliveredFinalResultFinishes(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	h := newTestResultHandler(store, &fakeBus{}, q)

	unit := models.UnitKey{Provider: "uniswap-v3", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, unit)

	// The final result was recorded by a worker that died before it could
	// trigger consolidation; the uncommitted offset brings the same
	// message back around.
	payload := models.ResultPayload{Positions: []models.Position{
		{Kind: models.KindToken, Symbol: "ETH", Amount: 1, USDValue: 1000},
	}}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	recorded, pending, err := store.RecordResult(context.Background(), job.ID, &models.ResultEntry{
		Unit: unit, OK: true, Payload: raw,
	})
	if err != nil || !recorded || pending != 0 {
		t.Fatalf("seed result: recorded=%v pending=%d err=%v", recorded, pending, err)
	}

	if err := h.Handle(context.Background(), resultBytes(t, job.ID, unit, true, payload)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Succeeded != 1 {
		t.Fatalf("redelivery must not double-count: succeeded=%d", got.Succeeded)
	}
	if got.Status != models.StatusConsolidating {
		t.Fatalf("redelivered final result must finish the job, got %s", got.Status)
	}
	if len(q.signals()) != 1 {
		t.Fatalf("expected one consolidate signal, got %d", len(q.signals()))
	}
}

func TestHandleMalformedPayloadCountsAsFailure(t *testing.T) {
	store := newMemStore()
	h := newTestResultHandler(store, &fakeBus{}, &fakeQueue{})

	unit := models.UnitKey{Provider: "uniswap-v3", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, unit)

	// The payload is valid JSON but the wrong shape for a result.
	b := []byte(`{"job_id":"` + job.ID + `","provider":"uniswap-v3","chain":"ethereum","account":"0xabc","ok":true,"payload":{"positions":"not-a-list"}}`)
	if err := h.Handle(context.Background(), b); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Failed != 1 || got.Succeeded != 0 {
		t.Fatalf("malformed payload must fail the unit: succeeded=%d failed=%d", got.Succeeded, got.Failed)
	}
}

func TestHandleUndecodableMessageNotRetried(t *testing.T) {
	h := newTestResultHandler(newMemStore(), &fakeBus{}, &fakeQueue{})

	if err := h.Handle(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("undecodable message must be dropped, not retried: %v", err)
	}
	if err := h.Handle(context.Background(), []byte(`{"job_id":""}`)); err != nil {
		t.Fatalf("incomplete message must be dropped, not retried: %v", err)
	}
}

func TestHandleExpansionOnSuccessfulScan(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	h := newTestResultHandler(store, bus, &fakeQueue{})

	trigger := models.UnitKey{Provider: "nftscan", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, trigger)

	payload := models.ResultPayload{NFTs: []models.NFT{
		{Collection: "uniswap-v3-positions", Contract: "0xc0ffee", TokenID: "42"},
	}}
	if err := h.Handle(context.Background(), resultBytes(t, job.ID, trigger, true, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Expected != 2 {
		t.Fatalf("expansion should grow expected to 2, got %d", got.Expected)
	}
	if store.pendingCount(job.ID) != 1 {
		t.Fatalf("follow-up unit should be pending, got %d", store.pendingCount(job.ID))
	}
	reqs := bus.published()
	if len(reqs) != 1 || reqs[0].Provider != "uniswap-v3" {
		t.Fatalf("expected uniswap-v3 follow-up request, got %+v", reqs)
	}
}
