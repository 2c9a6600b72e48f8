package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"WalletPull/internal/domain/models"
	"WalletPull/pkg/config"
)

func expansionProviders() []config.Provider {
	return []config.Provider{
		{Name: "nftscan", Topic: "portfolio.requests.nftscan", Chains: []string{"ethereum", "polygon"},
			Expansions: []config.Expansion{{Collection: "uniswap-v3-positions", Provider: "uniswap-v3"}}},
		{Name: "uniswap-v3", Topic: "portfolio.requests.uniswap-v3", Chains: []string{"ethereum"}},
	}
}

func newTestExpander(store *memStore, bus *fakeBus) *Expander {
	registry := NewProviderRegistry(expansionProviders())
	detectors := []Detector{
		NewCollectionDetector("nftscan", registry.ExpansionRules("nftscan"), registry),
	}
	return NewExpander(testLogger(), store, bus, detectors, nopMetrics{})
}

func nftPayload(t *testing.T, collections ...string) json.RawMessage {
	t.Helper()
	p := models.ResultPayload{}
	for _, c := range collections {
		p.NFTs = append(p.NFTs, models.NFT{Collection: c, Contract: "0xc0ffee", TokenID: "1"})
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func seedJob(t *testing.T, store *memStore, units ...models.UnitKey) *models.AggregationJob {
	t.Helper()
	ctx := context.Background()
	job, _, err := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := store.AddPending(ctx, job.ID, units); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	return job
}

func TestExpandAddsFollowUpUnit(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	e := newTestExpander(store, bus)

	trigger := models.UnitKey{Provider: "nftscan", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, trigger)

	added := e.Expand(context.Background(), job.ID, trigger, nftPayload(t, "uniswap-v3-positions"))
	if added != 1 {
		t.Fatalf("expected 1 unit added, got %d", added)
	}

	reqs := bus.published()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request published, got %d", len(reqs))
	}
	if reqs[0].Provider != "uniswap-v3" || reqs[0].Chain != "ethereum" || reqs[0].Account != "0xabc" {
		t.Fatalf("unexpected follow-up request: %+v", reqs[0])
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Expected != 2 {
		t.Fatalf("expected counter should grow to 2, got %d", got.Expected)
	}
}

func TestExpandDuplicateTriggerIsNoOp(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	e := newTestExpander(store, bus)

	trigger := models.UnitKey{Provider: "nftscan", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, trigger)
	payload := nftPayload(t, "uniswap-v3-positions")

	if added := e.Expand(context.Background(), job.ID, trigger, payload); added != 1 {
		t.Fatalf("first expansion: expected 1, got %d", added)
	}
	// Redelivered trigger must neither re-add nor re-publish.
	if added := e.Expand(context.Background(), job.ID, trigger, payload); added != 0 {
		t.Fatalf("second expansion: expected 0, got %d", added)
	}
	if len(bus.published()) != 1 {
		t.Fatalf("expected exactly 1 publish, got %d", len(bus.published()))
	}
}

func TestExpandSkipsUnsupportedChain(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	e := newTestExpander(store, bus)

	// uniswap-v3 is not configured for polygon.
	trigger := models.UnitKey{Provider: "nftscan", Chain: "polygon", Account: "0xabc"}
	job := seedJob(t, store, trigger)

	if added := e.Expand(context.Background(), job.ID, trigger, nftPayload(t, "uniswap-v3-positions")); added != 0 {
		t.Fatalf("expected no expansion on unsupported chain, got %d", added)
	}
	if len(bus.published()) != 0 {
		t.Fatalf("expected no publish, got %d", len(bus.published()))
	}
}

func TestExpandIgnoresUnknownCollections(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	e := newTestExpander(store, bus)

	trigger := models.UnitKey{Provider: "nftscan", Chain: "ethereum", Account: "0xabc"}
	job := seedJob(t, store, trigger)

	if added := e.Expand(context.Background(), job.ID, trigger, nftPayload(t, "bored-apes")); added != 0 {
		t.Fatalf("expected no expansion for unmapped collection, got %d", added)
	}
}
